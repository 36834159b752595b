package delivery

import (
	"context"
	"errors"
	"net"
	"strings"

	"medinotify/internal/common"
)

var transientMarkers = []string{
	"rate limit",
	"too many requests",
	"timeout",
	"timed out",
	"temporarily",
	"unavailable",
	"connection reset",
	"connection refused",
	"try again",
	"429",
	"502",
	"503",
	"504",
}

// Classify turns any send error into a TransportError. Structured errors from
// the transport win; timeouts are transient; otherwise the message is matched
// against known transient markers and anything unmatched is permanent.
func Classify(provider string, err error) *common.TransportError {
	if err == nil {
		return nil
	}

	var te *common.TransportError
	if errors.As(err, &te) {
		return te
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return common.NewTransientTransportError(provider, "timeout", err.Error())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return common.NewTransientTransportError(provider, "timeout", err.Error())
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return common.NewTransientTransportError(provider, "", err.Error())
		}
	}
	return common.NewPermanentTransportError(provider, "", err.Error())
}
