package tcpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"pkt.systems/kolabd/internal/connguard"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/pslog"
)

const readChunk = 4096

var (
	errLineTooLong = errors.New("tcpserver: line exceeds limit")
	errConnBroken  = errors.New("tcpserver: connection unusable")
)

// serveConn owns the connection until the peer disconnects, an I/O error
// occurs or the framing limit is violated. Commands run one at a time in the
// order their lines arrive.
func (s *Server) serveConn(ctx context.Context, sess *session) {
	conn := sess.conn
	logger := svcfields.WithPeer(s.logger, sess.info.ID, sess.info.Remote)
	ctx = pslog.ContextWithLogger(ctx, logger)
	s.metrics.sessionOpened(ctx)
	logger.Info("tcp.session.open")
	defer func() {
		_ = conn.Close()
		s.unregister(sess)
		s.metrics.sessionClosed(ctx)
		logger.Info("tcp.session.closed")
	}()

	var pending []byte
	// Idle flushing only applies to peers that have never sent a newline.
	// Once a peer frames with '\n', a slow partial line waits for its
	// terminator instead of being split.
	lineFramed := false
	buf := make([]byte, readChunk)
	for {
		deadline := time.Time{}
		if len(pending) > 0 && !lineFramed {
			deadline = time.Now().Add(s.idleFlush)
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			logger.Debug("tcp.deadline_error", "error", err)
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if !lineFramed && bytes.IndexByte(buf[:n], '\n') >= 0 {
				lineFramed = true
				logger.Trace("tcp.frame.newline_framed")
			}
			pending = append(pending, buf[:n]...)
			var lineErr error
			pending, lineErr = s.drainLines(ctx, sess, logger, pending)
			if lineErr != nil {
				s.rejectFraming(ctx, sess, logger, lineErr)
				return
			}
			if len(pending) > s.maxLine {
				s.rejectFraming(ctx, sess, logger, errLineTooLong)
				return
			}
		}
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() && len(pending) > 0 {
			logger.Trace("tcp.frame.idle_flush", "bytes", len(pending))
			line := string(pending)
			pending = pending[:0]
			if !s.dispatch(ctx, sess, logger, line) {
				return
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(pending) > 0 {
				s.dispatch(ctx, sess, logger, string(pending))
			}
			return
		}
		if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
			logger.Warn("tcp.read_error", "error", err)
		}
		return
	}
}

// drainLines dispatches every complete line in pending and returns the
// unterminated remainder.
func (s *Server) drainLines(ctx context.Context, sess *session, logger pslog.Logger, pending []byte) ([]byte, error) {
	for {
		idx := bytes.IndexByte(pending, '\n')
		if idx < 0 {
			return pending, nil
		}
		if idx > s.maxLine {
			return nil, errLineTooLong
		}
		line := string(pending[:idx])
		pending = pending[idx+1:]
		if !s.dispatch(ctx, sess, logger, line) {
			return nil, errConnBroken
		}
	}
}

// dispatch handles one line and writes the reply. It reports false when the
// connection can no longer be used.
func (s *Server) dispatch(ctx context.Context, sess *session, logger pslog.Logger, line string) bool {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return true
	}
	reply := s.handleLine(ctx, sess, logger, line)
	if _, err := io.WriteString(sess.conn, reply+"\n"); err != nil {
		if ctx.Err() == nil {
			logger.Warn("tcp.write_error", "error", err)
		}
		return false
	}
	return true
}

func (s *Server) rejectFraming(ctx context.Context, sess *session, logger pslog.Logger, err error) {
	if !errors.Is(err, errLineTooLong) {
		return
	}
	logger.Warn("tcp.frame.overlong", "limit", s.maxLine)
	s.metrics.framingViolation(ctx)
	if s.guard.Report(sess.info.Remote, connguard.ReasonOverlongLine) {
		logger.Warn("tcp.frame.remote_blocked")
	}
}
