package protocol

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Command is a parsed request. The set of implementations is closed; handlers
// dispatch with a type switch.
type Command interface {
	command()
}

// Identify is a login line or datagram naming a role and username.
type Identify struct {
	Role     Role
	Username string
}

// SendTask creates a task owned by the session's manager.
type SendTask struct {
	Task Task
}

// ChangePriority sets the priority of a manager's task. Manager is only set
// for UDP requests; TCP uses the session's username.
type ChangePriority struct {
	Manager  string
	TaskName string
	Priority int
}

// ListTasks requests the employee's assignments.
type ListTasks struct {
	JSON bool
}

// TakeTask moves a task to in-progress.
type TakeTask struct {
	TaskName string
	JSON     bool
}

// FinishTask completes a task with an optional comment.
type FinishTask struct {
	TaskName string
	Comment  string
	JSON     bool
}

// AllTasks is the UDP query for every task owned by Manager.
type AllTasks struct {
	Manager string
}

// Invalid carries the error reply for a line that could not be parsed.
type Invalid struct {
	Reply string
}

func (Identify) command()       {}
func (SendTask) command()       {}
func (ChangePriority) command() {}
func (ListTasks) command()      {}
func (TakeTask) command()       {}
func (FinishTask) command()     {}
func (AllTasks) command()       {}
func (Invalid) command()        {}

// ParseIdentify recognises MENADZER:<user> and ZAPOSLENI:<user>. Any line
// carrying a login prefix identifies, including one with a blank username.
func ParseIdentify(line string) (Identify, bool) {
	line = strings.TrimSpace(line)
	for _, role := range []Role{RoleManager, RoleEmployee} {
		if rest, ok := strings.CutPrefix(line, role.Prefix()); ok {
			return Identify{Role: role, Username: strings.TrimSpace(rest)}, true
		}
	}
	return Identify{}, false
}

// ParseManagerLine parses a command from an identified manager session.
func ParseManagerLine(line string, now time.Time) Command {
	line = strings.TrimSpace(line)
	if payload, ok := strings.CutPrefix(line, PrefixSend); ok {
		task, err := DecodeSendTask(payload, now)
		if err != nil {
			return Invalid{Reply: ErrSendFormat}
		}
		return SendTask{Task: task}
	}
	idx := strings.LastIndex(line, ":")
	if idx <= 0 {
		return Invalid{Reply: ErrUnknown}
	}
	name := strings.TrimSpace(line[:idx])
	priority, err := strconv.Atoi(strings.TrimSpace(line[idx+1:]))
	if name == "" || err != nil {
		return Invalid{Reply: ErrUnknown}
	}
	return ChangePriority{TaskName: name, Priority: priority}
}

type employeeEnvelope struct {
	Type     string `json:"type"`
	Action   string `json:"action"`
	TaskName string `json:"taskName"`
	Comment  string `json:"comment"`
}

// ParseEmployeeLine parses a command from an identified employee session.
// Lines starting with '{' are JSON envelopes; everything else is the legacy
// line format.
func ParseEmployeeLine(line string) Command {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "{") {
		return parseEmployeeJSON(line)
	}
	switch {
	case strings.EqualFold(line, CmdList):
		return ListTasks{}
	case strings.HasPrefix(line, PrefixTake):
		return TakeTask{TaskName: strings.TrimSpace(line[len(PrefixTake):])}
	case strings.HasPrefix(line, PrefixDone):
		name, comment, _ := strings.Cut(line[len(PrefixDone):], LegacyFieldSep)
		return FinishTask{TaskName: strings.TrimSpace(name), Comment: strings.TrimSpace(comment)}
	default:
		return Invalid{Reply: ErrUnknown}
	}
}

func parseEmployeeJSON(line string) Command {
	var env employeeEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return Invalid{Reply: ErrJSON}
	}
	switch env.Type {
	case RequestEmployeeList:
		return ListTasks{JSON: true}
	case RequestEmployeeAct:
		name := strings.TrimSpace(env.TaskName)
		switch strings.ToLower(strings.TrimSpace(env.Action)) {
		case ActionTake:
			return TakeTask{TaskName: name, JSON: true}
		case ActionFinish:
			return FinishTask{TaskName: name, Comment: strings.TrimSpace(env.Comment), JSON: true}
		default:
			return Invalid{Reply: ErrUnknownAction}
		}
	default:
		return Invalid{Reply: ErrUnknownJSON}
	}
}

// ParseDatagram parses a UDP request.
func ParseDatagram(msg string) Command {
	msg = strings.TrimSpace(msg)
	switch {
	case strings.HasPrefix(msg, PrefixManager):
		return Identify{Role: RoleManager, Username: strings.TrimSpace(msg[len(PrefixManager):])}
	case strings.HasPrefix(msg, PrefixEmployee):
		return Identify{Role: RoleEmployee, Username: strings.TrimSpace(msg[len(PrefixEmployee):])}
	case strings.HasPrefix(msg, PrefixAllTasks):
		return AllTasks{Manager: strings.TrimSpace(msg[len(PrefixAllTasks):])}
	case strings.HasPrefix(msg, PrefixChangePriority):
		return parsePriorityDatagram(msg[len(PrefixChangePriority):])
	default:
		return Invalid{Reply: ReplyError}
	}
}

func parsePriorityDatagram(body string) Command {
	parts := strings.Split(body, ":")
	if len(parts) != 3 {
		return Invalid{Reply: UDPErrBadFormat}
	}
	manager := strings.TrimSpace(parts[0])
	if manager == "" {
		return Invalid{Reply: UDPErrBadFormat}
	}
	name, err := url.QueryUnescape(strings.TrimSpace(parts[1]))
	if err != nil || strings.TrimSpace(name) == "" {
		return Invalid{Reply: UDPErrBadTaskName}
	}
	priority, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return Invalid{Reply: UDPErrBadPriority}
	}
	if priority < 1 {
		priority = 1
	}
	return ChangePriority{Manager: manager, TaskName: strings.TrimSpace(name), Priority: priority}
}

// EncodePriorityDatagram builds a PRIORITY request with the task name escaped.
func EncodePriorityDatagram(manager, taskName string, priority int) string {
	return PrefixChangePriority + manager + ":" + url.QueryEscape(taskName) + ":" + strconv.Itoa(priority)
}
