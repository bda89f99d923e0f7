package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/multierr"

	"github.com/luma/beanstalk/protocol"
)

const (
	DefaultPort           = "11300"
	DefaultConnectTimeout = 5000 * time.Millisecond
)

var ErrInvalidURI = errors.New("invalid connection uri")

// ParseURI reads a connection uri of the form tcp://host:port?tube=t&timeout=ms.
// Every problem with the uri is reported, not just the first.
func ParseURI(uri string) (Options, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Options{}, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}

	var errs error

	switch u.Scheme {
	case "tcp", "beanstalk":
	default:
		errs = multierr.Append(errs, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		errs = multierr.Append(errs, fmt.Errorf("%w: missing host", ErrInvalidURI))
	}

	port := u.Port()
	if port == "" {
		port = DefaultPort
	}

	options := Options{
		Network:        "tcp",
		Addr:           net.JoinHostPort(host, port),
		ConnectTimeout: DefaultConnectTimeout,
	}

	query := u.Query()

	if tube := query.Get("tube"); tube != "" {
		if err := protocol.ValidateTubeName(tube); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: %v", ErrInvalidURI, err))
		}

		options.Tube = tube
	}

	if timeout := query.Get("timeout"); timeout != "" {
		ms, err := strconv.ParseUint(timeout, 10, 32)
		if err != nil || ms == 0 {
			errs = multierr.Append(errs, fmt.Errorf("%w: timeout %q is not a positive number of milliseconds", ErrInvalidURI, timeout))
		} else {
			options.ConnectTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if errs != nil {
		return Options{}, errs
	}

	return options, nil
}
