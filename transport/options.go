package transport

import (
	"go.uber.org/zap"

	"github.com/luma/beanstalk/storage"
)

// DefaultMaxJobSize matches beanstalkd's default -z.
const DefaultMaxJobSize = 65535

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on. With 0 the kernel picks one, see TCP.Addr.
	Port int

	NumListeners int

	// MaxJobSize is the largest put body accepted, in bytes.
	MaxJobSize int

	Store storage.Store

	Log *zap.Logger
}
