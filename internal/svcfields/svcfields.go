package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// Ensure returns logger when non-nil, otherwise a disabled logger.
func Ensure(logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	return logger
}

// WithPeer tags a logger with the connection id and remote address of a peer.
func WithPeer(logger pslog.Logger, id, remote string) pslog.Logger {
	logger = Ensure(logger)
	if id != "" {
		logger = logger.With("conn", id)
	}
	if remote != "" {
		logger = logger.With("remote", remote)
	}
	return logger
}
