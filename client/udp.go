package client

import (
	"context"
	"fmt"
	"net"
	"strings"

	"pkt.systems/kolabd/internal/protocol"
)

const maxDatagram = 64 * 1024

// UDPClient sends one datagram per request and waits for the reply.
type UDPClient struct {
	addr string
	settings
}

// NewUDP returns a client for the gateway at addr (host:port).
func NewUDP(addr string, opts ...Option) *UDPClient {
	return &UDPClient{addr: addr, settings: newSettings(opts)}
}

// Login announces role and user and returns the TCP port to connect to.
func (c *UDPClient) Login(ctx context.Context, role protocol.Role, user string) (int, error) {
	if role.Prefix() == "" {
		return 0, fmt.Errorf("client: login requires a manager or employee role")
	}
	reply, err := c.roundTrip(ctx, role.Prefix()+user)
	if err != nil {
		return 0, err
	}
	return protocol.ParseTCPInfoReply(reply)
}

// AllTasks returns every task owned by manager in display order.
func (c *UDPClient) AllTasks(ctx context.Context, manager string) ([]protocol.Task, error) {
	reply, err := c.roundTrip(ctx, protocol.PrefixAllTasks+manager)
	if err != nil {
		return nil, err
	}
	payload, ok := strings.CutPrefix(reply, protocol.PrefixTasks)
	if !ok {
		if isErrorCode(reply) {
			return nil, replyErr(reply)
		}
		return nil, unexpected(reply)
	}
	return protocol.DecodeTasks(payload)
}

// ChangePriority sets the priority of one of manager's tasks. The server
// clamps values below 1.
func (c *UDPClient) ChangePriority(ctx context.Context, manager, taskName string, priority int) error {
	reply, err := c.roundTrip(ctx, protocol.EncodePriorityDatagram(manager, taskName, priority))
	if err != nil {
		return err
	}
	return replyErr(reply)
}

// Raw sends msg verbatim and returns the reply.
func (c *UDPClient) Raw(ctx context.Context, msg string) (string, error) {
	return c.roundTrip(ctx, msg)
}

func (c *UDPClient) roundTrip(ctx context.Context, msg string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.addr)
	if err != nil {
		return "", fmt.Errorf("client: dial udp %s: %w", c.addr, err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(c.deadline(ctx)); err != nil {
		return "", fmt.Errorf("client: set deadline: %w", err)
	}
	c.logger.Trace("client.udp.request", "addr", c.addr, "msg", msg)
	if _, err := conn.Write([]byte(msg)); err != nil {
		return "", fmt.Errorf("client: send: %w", err)
	}
	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("client: receive: %w", err)
	}
	reply := strings.TrimSpace(string(buf[:n]))
	c.logger.Trace("client.udp.reply", "addr", c.addr, "reply", reply)
	return reply, nil
}
