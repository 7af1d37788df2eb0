package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/kolabd/internal/protocol"
)

// Session is a TCP connection to the session server. Requests are
// serialized; one reply is read per line sent.
type Session struct {
	settings
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
	role protocol.Role
	user string
}

// Dial connects to the session server at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Session, error) {
	s := newSettings(opts)
	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial tcp %s: %w", addr, err)
	}
	return &Session{settings: s, conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close closes the connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Role returns the identified role, or RoleNone.
func (s *Session) Role() protocol.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Identify sends the login line for role and user.
func (s *Session) Identify(ctx context.Context, role protocol.Role, user string) error {
	if role.Prefix() == "" {
		return fmt.Errorf("client: identify requires a manager or employee role")
	}
	reply, err := s.Raw(ctx, role.Prefix()+user)
	if err != nil {
		return err
	}
	if err := replyErr(reply); err != nil {
		return err
	}
	s.mu.Lock()
	s.role = role
	s.user = user
	s.mu.Unlock()
	return nil
}

// Send assigns a new task. Status and comment are ignored by the server.
func (s *Session) Send(ctx context.Context, task protocol.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("client: encode task: %w", err)
	}
	return s.expectOK(ctx, protocol.PrefixSend+string(payload))
}

// ChangePriority updates the priority of one of the manager's tasks.
func (s *Session) ChangePriority(ctx context.Context, taskName string, priority int) error {
	return s.expectOK(ctx, taskName+":"+strconv.Itoa(priority))
}

// List requests the employee's tasks using the legacy line format.
func (s *Session) List(ctx context.Context) ([]protocol.Assignment, error) {
	reply, err := s.Raw(ctx, protocol.CmdList)
	if err != nil {
		return nil, err
	}
	if isErrorCode(reply) {
		return nil, replyErr(reply)
	}
	return protocol.DecodeEmployeeListLegacy(reply), nil
}

// ListJSON requests the employee's tasks as an employee_list_reply.
func (s *Session) ListJSON(ctx context.Context) ([]protocol.Assignment, error) {
	reply, err := s.Raw(ctx, `{"type":"`+protocol.RequestEmployeeList+`"}`)
	if err != nil {
		return nil, err
	}
	if isErrorCode(reply) {
		return nil, replyErr(reply)
	}
	return protocol.DecodeEmployeeListReply(reply)
}

// Take moves a task to in progress.
func (s *Session) Take(ctx context.Context, taskName string) error {
	return s.action(ctx, protocol.ActionTake, taskName, "")
}

// Finish completes a task with an optional comment.
func (s *Session) Finish(ctx context.Context, taskName, comment string) error {
	return s.action(ctx, protocol.ActionFinish, taskName, comment)
}

type actionEnvelope struct {
	Type     string `json:"type"`
	Action   string `json:"action"`
	TaskName string `json:"taskName"`
	Comment  string `json:"comment,omitempty"`
}

func (s *Session) action(ctx context.Context, action, taskName, comment string) error {
	line, err := json.Marshal(actionEnvelope{
		Type:     protocol.RequestEmployeeAct,
		Action:   action,
		TaskName: taskName,
		Comment:  comment,
	})
	if err != nil {
		return fmt.Errorf("client: encode action: %w", err)
	}
	return s.expectOK(ctx, string(line))
}

func (s *Session) expectOK(ctx context.Context, line string) error {
	reply, err := s.Raw(ctx, line)
	if err != nil {
		return err
	}
	return replyErr(reply)
}

// Raw sends one line and returns the reply without its terminator.
func (s *Session) Raw(ctx context.Context, line string) (string, error) {
	if strings.ContainsAny(line, "\r\n") {
		return "", fmt.Errorf("client: line must not contain newlines")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetDeadline(s.deadline(ctx)); err != nil {
		return "", fmt.Errorf("client: set deadline: %w", err)
	}
	s.logger.Trace("client.tcp.request", "line", line)
	if _, err := io.WriteString(s.conn, line+"\n"); err != nil {
		return "", fmt.Errorf("client: send: %w", err)
	}
	reply, err := s.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("client: receive: %w", err)
	}
	reply = strings.TrimRight(reply, "\r\n")
	s.logger.Trace("client.tcp.reply", "reply", reply)
	return reply, nil
}

// User returns the identified user name.
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}
