package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/kolabd/internal/protocol"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultTimeout bounds a request when ctx carries no deadline.
const DefaultTimeout = 5 * time.Second

var (
	// ErrNotFound reports ERR_NOT_FOUND or ERR:NOT_FOUND.
	ErrNotFound = errors.New("client: task not found")
	// ErrNotIdentified reports ID_REQUIRED.
	ErrNotIdentified = errors.New("client: session not identified")
)

// ReplyError carries an error code returned by the server.
type ReplyError struct {
	Code string
}

func (e *ReplyError) Error() string {
	return "client: server replied " + e.Code
}

// Option configures clients and sessions.
type Option func(*settings)

type settings struct {
	timeout time.Duration
	logger  pslog.Logger
}

// WithTimeout sets the per-request timeout used when ctx has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger supplies a logger for request tracing.
func WithLogger(logger pslog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

func newSettings(opts []Option) settings {
	s := settings{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&s)
	}
	s.logger = svcfields.WithSubsystem(s.logger, "client")
	return s
}

func (s settings) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(s.timeout)
}

// replyErr maps a non-OK reply to an error.
func replyErr(reply string) error {
	switch reply {
	case protocol.ReplyOK, protocol.ReplyIDOK:
		return nil
	case protocol.ErrNotFound, protocol.UDPErrNotFound:
		return ErrNotFound
	case protocol.ReplyIDRequired:
		return ErrNotIdentified
	default:
		return &ReplyError{Code: reply}
	}
}

// isErrorCode reports whether reply is one of the error codes rather than a
// payload.
func isErrorCode(reply string) bool {
	switch {
	case reply == protocol.ReplyIDRequired, reply == protocol.ReplyError:
		return true
	case strings.HasPrefix(reply, "ERR_"), strings.HasPrefix(reply, protocol.PrefixUDPErr):
		return true
	}
	return false
}

func unexpected(reply string) error {
	return fmt.Errorf("client: unexpected reply %q", reply)
}
