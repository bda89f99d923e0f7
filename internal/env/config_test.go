package env_test

import (
	"context"
	"os"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zapcore"

	"github.com/luma/beanstalk/internal/env"
)

var _ = Describe("env", func() {
	Describe("LoadConfig()", func() {
		AfterEach(func() {
			os.Unsetenv("BEANSTALK_URI")
			os.Unsetenv("BEANSTALK_LOG_LEVEL")
		})

		It("falls back to a local server", func() {
			conf, err := env.LoadConfig(context.Background())
			Expect(err).To(Succeed())

			Expect(conf.URI).To(Equal("tcp://127.0.0.1:11300"))
			Expect(conf.LogLevel).To(Equal("info"))
			Expect(conf.DebugHTTP).To(BeFalse())
		})

		It("reads the environment", func() {
			os.Setenv("BEANSTALK_URI", "tcp://queue:11300?tube=emails")
			os.Setenv("BEANSTALK_LOG_LEVEL", "debug")

			conf, err := env.LoadConfig(context.Background())
			Expect(err).To(Succeed())

			Expect(conf.URI).To(Equal("tcp://queue:11300?tube=emails"))
			Expect(conf.LogLevel).To(Equal("debug"))
		})
	})

	Describe("MakeLogger()", func() {
		It("builds a logger at the requested level", func() {
			log, err := env.MakeLogger("warn")
			Expect(err).To(Succeed())

			Expect(log.Core().Enabled(zapcore.WarnLevel)).To(BeTrue())
			Expect(log.Core().Enabled(zapcore.InfoLevel)).To(BeFalse())
		})

		It("rejects unknown levels", func() {
			_, err := env.MakeLogger("loud")
			Expect(err).To(HaveOccurred())
		})
	})
})
