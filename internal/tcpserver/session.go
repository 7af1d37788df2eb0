package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/kolabd/internal/audit"
	"pkt.systems/kolabd/internal/protocol"
	"pkt.systems/kolabd/internal/taskstore"
	"pkt.systems/pslog"
)

// handleLine advances the session state machine by one line and returns the
// reply without its terminator.
func (s *Server) handleLine(ctx context.Context, sess *session, logger pslog.Logger, line string) string {
	begin := time.Now()
	if !sess.info.Identified {
		id, ok := protocol.ParseIdentify(line)
		if !ok {
			s.metrics.command(ctx, protocol.RoleNone, "identify", "id_required", time.Since(begin))
			return protocol.ReplyIDRequired
		}
		if id.Role == protocol.RoleManager {
			s.store.EnsureManager(ctx, id.Username)
		}
		s.identify(sess, id.Role, id.Username)
		logger.Info("tcp.session.identified", "role", id.Role.String(), "user", id.Username)
		s.auditInfo(fmt.Sprintf("TCP LOGIN %s %s (%s)", id.Role, id.Username, sess.info.Remote))
		s.metrics.command(ctx, protocol.RoleNone, "identify", "ok", time.Since(begin))
		return protocol.ReplyIDOK
	}

	var cmd protocol.Command
	switch sess.info.Role {
	case protocol.RoleManager:
		cmd = protocol.ParseManagerLine(line, s.clock.Now())
	case protocol.RoleEmployee:
		cmd = protocol.ParseEmployeeLine(line)
	default:
		cmd = protocol.Invalid{Reply: protocol.ErrUnknown}
	}
	reply := s.execute(ctx, sess, logger, cmd)
	result := "ok"
	if isErrorReply(reply) {
		result = "error"
	}
	s.metrics.command(ctx, sess.info.Role, commandKind(cmd), result, time.Since(begin))
	return reply
}

func (s *Server) execute(ctx context.Context, sess *session, logger pslog.Logger, cmd protocol.Command) string {
	user := sess.info.Username
	switch c := cmd.(type) {
	case protocol.SendTask:
		task, err := s.store.AddTask(ctx, user, c.Task)
		if err != nil {
			logger.Debug("tcp.send.rejected", "error", err)
			return protocol.ErrSendFormat
		}
		logger.Info("tcp.send", "task", task.Name, "employee", task.Employee, "priority", task.Priority)
		s.auditInfo(fmt.Sprintf("SEND %s -> %s: %s (priority %d, due %s)", user, task.Employee, task.Name, task.Priority, task.Deadline))
		return protocol.ReplyOK
	case protocol.ChangePriority:
		if err := s.store.ChangePriority(ctx, user, c.TaskName, c.Priority); err != nil {
			return notFoundReply(logger, "priority", c.TaskName, err)
		}
		logger.Info("tcp.priority_changed", "task", c.TaskName, "priority", c.Priority)
		s.auditInfo(fmt.Sprintf("PRIORITY %s: %s -> %d", user, c.TaskName, c.Priority))
		return protocol.ReplyOK
	case protocol.ListTasks:
		return s.listTasks(user, logger, c.JSON)
	case protocol.TakeTask:
		if err := s.store.SetStatus(ctx, c.TaskName, protocol.StatusInProgress); err != nil {
			return notFoundReply(logger, "take", c.TaskName, err)
		}
		logger.Info("tcp.take", "task", c.TaskName)
		s.auditInfo(fmt.Sprintf("TAKE %s: %s", user, c.TaskName))
		return protocol.ReplyOK
	case protocol.FinishTask:
		if err := s.store.CompleteTask(ctx, c.TaskName, c.Comment); err != nil {
			return notFoundReply(logger, "finish", c.TaskName, err)
		}
		logger.Info("tcp.finish", "task", c.TaskName)
		s.auditInfo(fmt.Sprintf("DONE %s: %s | %s", user, c.TaskName, c.Comment))
		return protocol.ReplyOK
	case protocol.Invalid:
		return c.Reply
	default:
		return protocol.ErrUnknown
	}
}

func (s *Server) listTasks(employee string, logger pslog.Logger, asJSON bool) string {
	assignments := s.store.TasksForEmployee(employee)
	var reply string
	if asJSON {
		var err error
		reply, err = protocol.EmployeeListReplyJSON(assignments)
		if err != nil {
			logger.Error("tcp.list.encode_error", "error", err)
			return protocol.ErrUnknown
		}
	} else {
		reply = protocol.EmployeeListReplyLegacy(assignments)
	}
	if s.audit != nil {
		names := make([]string, len(assignments))
		for i, a := range assignments {
			names[i] = a.Task.Name
		}
		s.audit.Delivery(employee, audit.KindEmployeeList, names, assignments)
	}
	return reply
}

func notFoundReply(logger pslog.Logger, op, taskName string, err error) string {
	if !errors.Is(err, taskstore.ErrNotFound) {
		logger.Warn("tcp."+op+".error", "task", taskName, "error", err)
	}
	return protocol.ErrNotFound
}

func (s *Server) auditInfo(line string) {
	if s.audit != nil {
		s.audit.Info(line)
	}
}

func commandKind(cmd protocol.Command) string {
	switch cmd.(type) {
	case protocol.SendTask:
		return "send"
	case protocol.ChangePriority:
		return "priority"
	case protocol.ListTasks:
		return "list"
	case protocol.TakeTask:
		return "take"
	case protocol.FinishTask:
		return "finish"
	default:
		return "invalid"
	}
}

func isErrorReply(reply string) bool {
	switch reply {
	case protocol.ReplyIDRequired, protocol.ErrSendFormat, protocol.ErrNotFound, protocol.ErrUnknown,
		protocol.ErrJSON, protocol.ErrUnknownJSON, protocol.ErrUnknownAction:
		return true
	default:
		return false
	}
}
