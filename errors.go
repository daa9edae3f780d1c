package onvifctl

import (
	"context"
	"net"

	"github.com/juju/errors"
)

// Sentinel errors
const (
	ErrNotInitialized = errors.ConstError("ptz controller not initialized")
	ErrNoSubscription = errors.ConstError("no motion subscription")
)

// Status classifies the outcome of an operation against a device
type Status int

const (
	StatusSuccess Status = iota
	StatusUnsupported
	StatusTransportError
	StatusAuthError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnsupported:
		return "unsupported"
	case StatusTransportError:
		return "transport_error"
	case StatusAuthError:
		return "auth_error"
	}
	return "unknown"
}

// StatusOf classifies an error returned by this package
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, errors.Unauthorized), errors.Is(err, errors.Forbidden):
		return StatusAuthError
	case errors.Is(err, errors.NotSupported), errors.Is(err, errors.NotImplemented):
		return StatusUnsupported
	}
	return StatusTransportError
}

// classifyTransport turns network failures into typed errors
func classifyTransport(err error, method string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeout(err, method)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewTimeout(err, method)
	}
	return errors.Annotatef(err, "%s", method)
}
