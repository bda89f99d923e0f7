package env

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	// URI of the beanstalkd server the client commands talk to
	URI string `env:"BEANSTALK_URI,default=tcp://127.0.0.1:11300"`

	LogLevel  string `env:"BEANSTALK_LOG_LEVEL,default=info"`
	DebugHTTP bool   `env:"BEANSTALK_DEBUG_HTTP"`
}

// LoadConfig reads the environment, after loading .env.local if there is one.
func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
