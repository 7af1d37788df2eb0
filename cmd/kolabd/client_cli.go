package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/kolabd"
	"pkt.systems/kolabd/client"
	"pkt.systems/kolabd/internal/protocol"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	clientServerKey   = "client.server"
	clientUDPPortKey  = "client.udp"
	clientTimeoutKey  = "client.timeout"
	clientLogLevelKey = "client.log_level"
)

func newClientCommand() *cobra.Command {
	cfg := &clientCLIConfig{}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Interact with a running kolabd server",
	}
	flags := cmd.PersistentFlags()
	flags.String("server", "127.0.0.1", "kolabd server host")
	flags.Int("udp", kolabd.DefaultUDPPort, "kolabd UDP gateway port")
	flags.Duration("timeout", client.DefaultTimeout, "per-request timeout")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")

	mustBindFlag(clientServerKey, "KOLABD_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientUDPPortKey, "KOLABD_CLIENT_UDP", flags.Lookup("udp"))
	mustBindFlag(clientTimeoutKey, "KOLABD_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientLogLevelKey, "KOLABD_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))

	cmd.AddCommand(
		newClientLoginCommand(cfg),
		newClientTasksCommand(cfg),
		newClientPriorityCommand(cfg),
		newClientSendCommand(cfg),
		newClientListCommand(cfg),
		newClientTakeCommand(cfg),
		newClientFinishCommand(cfg),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

type clientCLIConfig struct {
	server  string
	udpPort int
	timeout time.Duration
	logger  pslog.Logger
}

func (c *clientCLIConfig) load() error {
	c.server = strings.TrimSpace(viper.GetString(clientServerKey))
	if c.server == "" {
		return fmt.Errorf("--server is required")
	}
	c.udpPort = viper.GetInt(clientUDPPortKey)
	if c.udpPort <= 0 || c.udpPort > 65535 {
		return fmt.Errorf("invalid --udp port %d", c.udpPort)
	}
	c.timeout = viper.GetDuration(clientTimeoutKey)
	if c.timeout <= 0 {
		c.timeout = client.DefaultTimeout
	}
	levelStr := strings.ToLower(strings.TrimSpace(viper.GetString(clientLogLevelKey)))
	c.logger = nil
	if levelStr == "" || levelStr == "none" || levelStr == "off" || levelStr == "disabled" {
		return nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return fmt.Errorf("invalid client log level %q", levelStr)
	}
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("KOLABD_CLIENT_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: level}),
		pslog.WithEnvWriter(os.Stderr),
	)
	c.logger = svcfields.WithSubsystem(logger, "client.cli")
	return nil
}

func (c *clientCLIConfig) options() []client.Option {
	opts := []client.Option{client.WithTimeout(c.timeout)}
	if c.logger != nil {
		opts = append(opts, client.WithLogger(c.logger))
	}
	return opts
}

func (c *clientCLIConfig) udp() *client.UDPClient {
	return client.NewUDP(net.JoinHostPort(c.server, strconv.Itoa(c.udpPort)), c.options()...)
}

// session logs in over UDP to learn the session port, then dials and
// identifies on TCP.
func (c *clientCLIConfig) session(ctx context.Context, role protocol.Role, user string) (*client.Session, error) {
	port, err := c.udp().Login(ctx, role, user)
	if err != nil {
		return nil, err
	}
	sess, err := client.Dial(ctx, net.JoinHostPort(c.server, strconv.Itoa(port)), c.options()...)
	if err != nil {
		return nil, err
	}
	if err := sess.Identify(ctx, role, user); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return sess, nil
}

func parseRole(raw string) (protocol.Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "manager", "menadzer":
		return protocol.RoleManager, nil
	case "employee", "zaposleni":
		return protocol.RoleEmployee, nil
	default:
		return protocol.RoleNone, fmt.Errorf("unknown role %q (manager or employee)", raw)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newClientLoginCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "login <manager|employee> <user>",
		Short: "Announce a user over UDP and print the TCP session port",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			role, err := parseRole(args[0])
			if err != nil {
				return err
			}
			port, err := cfg.udp().Login(cmd.Context(), role, args[1])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), port)
			return err
		},
	}
}

func newClientTasksCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <manager>",
		Short: "Print every task owned by a manager",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			tasks, err := cfg.udp().AllTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if tasks == nil {
				tasks = []protocol.Task{}
			}
			return writeJSON(cmd.OutOrStdout(), tasks)
		},
	}
}

func newClientPriorityCommand(cfg *clientCLIConfig) *cobra.Command {
	var overTCP bool
	cmd := &cobra.Command{
		Use:   "priority <manager> <task> <priority>",
		Short: "Change the priority of a manager's task",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			priority, err := strconv.Atoi(strings.TrimSpace(args[2]))
			if err != nil {
				return fmt.Errorf("invalid priority %q", args[2])
			}
			ctx := cmd.Context()
			if overTCP {
				sess, err := cfg.session(ctx, protocol.RoleManager, args[0])
				if err != nil {
					return err
				}
				defer sess.Close()
				err = sess.ChangePriority(ctx, args[1], priority)
				return err
			}
			return cfg.udp().ChangePriority(ctx, args[0], args[1], priority)
		},
	}
	cmd.Flags().BoolVar(&overTCP, "tcp", false, "use an identified TCP session instead of a UDP datagram")
	return cmd
}

func newClientSendCommand(cfg *clientCLIConfig) *cobra.Command {
	var manager, employee, deadline string
	var priority int
	cmd := &cobra.Command{
		Use:   "send <task>",
		Short: "Assign a new task to an employee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			if strings.TrimSpace(manager) == "" || strings.TrimSpace(employee) == "" {
				return fmt.Errorf("--manager and --employee are required")
			}
			task := protocol.Task{Name: args[0], Employee: employee, Priority: priority}
			if deadline != "" {
				d, err := protocol.ParseDate(deadline)
				if err != nil {
					return err
				}
				task.Deadline = d
			}
			ctx := cmd.Context()
			sess, err := cfg.session(ctx, protocol.RoleManager, manager)
			if err != nil {
				return err
			}
			defer sess.Close()
			return sess.Send(ctx, task)
		},
	}
	cmd.Flags().StringVar(&manager, "manager", "", "manager assigning the task")
	cmd.Flags().StringVar(&employee, "employee", "", "employee receiving the task")
	cmd.Flags().IntVar(&priority, "priority", protocol.DefaultPriority, "task priority (lower is more urgent)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline as yyyy-mm-dd (default one week from now)")
	return cmd
}

func newClientListCommand(cfg *clientCLIConfig) *cobra.Command {
	var legacy bool
	cmd := &cobra.Command{
		Use:   "list <employee>",
		Short: "Print the tasks assigned to an employee",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			ctx := cmd.Context()
			sess, err := cfg.session(ctx, protocol.RoleEmployee, args[0])
			if err != nil {
				return err
			}
			defer sess.Close()
			var assignments []protocol.Assignment
			if legacy {
				assignments, err = sess.List(ctx)
			} else {
				assignments, err = sess.ListJSON(ctx)
			}
			if err != nil {
				return err
			}
			out := make([]protocol.AssignedTask, 0, len(assignments))
			for _, a := range assignments {
				out = append(out, protocol.AssignedTask{Task: a.Task, Manager: a.Manager})
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&legacy, "legacy", false, "use the LIST line format instead of the JSON envelope")
	return cmd
}

func newClientTakeCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "take <employee> <task>",
		Short: "Move a task to in progress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			ctx := cmd.Context()
			sess, err := cfg.session(ctx, protocol.RoleEmployee, args[0])
			if err != nil {
				return err
			}
			defer sess.Close()
			return sess.Take(ctx, args[1])
		},
	}
}

func newClientFinishCommand(cfg *clientCLIConfig) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "finish <employee> <task>",
		Short: "Complete a task with an optional comment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			ctx := cmd.Context()
			sess, err := cfg.session(ctx, protocol.RoleEmployee, args[0])
			if err != nil {
				return err
			}
			defer sess.Close()
			return sess.Finish(ctx, args[1], comment)
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "completion comment")
	return cmd
}
