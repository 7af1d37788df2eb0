package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EncodeTasks renders tasks as a JSON array; nil encodes as [].
func EncodeTasks(tasks []Task) (string, error) {
	if tasks == nil {
		tasks = []Task{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return "", fmt.Errorf("protocol: encode tasks: %w", err)
	}
	return string(data), nil
}

// DecodeTasks parses the JSON array produced by EncodeTasks.
func DecodeTasks(payload string) ([]Task, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, nil
	}
	var tasks []Task
	if err := json.Unmarshal([]byte(payload), &tasks); err != nil {
		return nil, fmt.Errorf("protocol: decode tasks: %w", err)
	}
	return tasks, nil
}

// TasksReply builds the UDP TASKS:<json> reply.
func TasksReply(tasks []Task) (string, error) {
	body, err := EncodeTasks(tasks)
	if err != nil {
		return "", err
	}
	return PrefixTasks + body, nil
}

// TCPInfoReply builds the UDP TCP:<port> reply.
func TCPInfoReply(port int) string {
	return PrefixTCPInfo + strconv.Itoa(port)
}

// ParseTCPInfoReply extracts the port from a TCP:<port> reply.
func ParseTCPInfoReply(reply string) (int, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(reply), PrefixTCPInfo)
	if !ok {
		return 0, fmt.Errorf("protocol: unexpected login reply %q", reply)
	}
	port, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("protocol: invalid port in %q", reply)
	}
	return port, nil
}

type employeeListReply struct {
	Type  string         `json:"type"`
	Tasks []AssignedTask `json:"tasks"`
}

// EmployeeListReplyJSON renders the employee_list_reply envelope.
func EmployeeListReplyJSON(assignments []Assignment) (string, error) {
	reply := employeeListReply{Type: ReplyEmployeeList, Tasks: make([]AssignedTask, 0, len(assignments))}
	for _, a := range assignments {
		reply.Tasks = append(reply.Tasks, AssignedTask{Task: a.Task, Manager: a.Manager})
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return "", fmt.Errorf("protocol: encode employee list: %w", err)
	}
	return string(data), nil
}

// DecodeEmployeeListReply parses an employee_list_reply envelope.
func DecodeEmployeeListReply(payload string) ([]Assignment, error) {
	var reply employeeListReply
	if err := json.Unmarshal([]byte(payload), &reply); err != nil {
		return nil, fmt.Errorf("protocol: decode employee list: %w", err)
	}
	if reply.Type != ReplyEmployeeList {
		return nil, fmt.Errorf("protocol: unexpected reply type %q", reply.Type)
	}
	out := make([]Assignment, 0, len(reply.Tasks))
	for _, t := range reply.Tasks {
		out = append(out, Assignment{Manager: t.Manager, Task: t.Task})
	}
	return out, nil
}

// EmployeeListReplyLegacy renders assignments as naziv|menadzer|rok|prioritet|status[|komentar]
// rows joined with '^', or NO_TASKS when empty.
func EmployeeListReplyLegacy(assignments []Assignment) string {
	if len(assignments) == 0 {
		return ReplyNoTasks
	}
	rows := make([]string, 0, len(assignments))
	for _, a := range assignments {
		fields := []string{
			a.Task.Name,
			a.Manager,
			a.Task.Deadline.String(),
			strconv.Itoa(a.Task.Priority),
			a.Task.Status.String(),
		}
		if a.Task.Comment != "" {
			fields = append(fields, a.Task.Comment)
		}
		rows = append(rows, strings.Join(fields, LegacyFieldSep))
	}
	return strings.Join(rows, LegacyRowSep)
}

// DecodeEmployeeListLegacy parses the legacy list reply. Malformed rows are
// skipped.
func DecodeEmployeeListLegacy(reply string) []Assignment {
	reply = strings.TrimSpace(reply)
	if reply == "" || reply == ReplyNoTasks {
		return nil
	}
	var out []Assignment
	for _, row := range strings.Split(reply, LegacyRowSep) {
		parts := strings.Split(row, LegacyFieldSep)
		if len(parts) != 5 && len(parts) != 6 {
			continue
		}
		deadline, err := ParseDate(parts[2])
		if err != nil {
			continue
		}
		priority, err := strconv.Atoi(strings.TrimSpace(parts[3]))
		if err != nil {
			continue
		}
		status, err := ParseStatus(parts[4])
		if err != nil {
			continue
		}
		task := Task{
			Name:     strings.TrimSpace(parts[0]),
			Deadline: deadline,
			Priority: priority,
			Status:   status,
		}
		if len(parts) == 6 {
			task.Comment = strings.TrimSpace(parts[5])
		}
		out = append(out, Assignment{Manager: strings.TrimSpace(parts[1]), Task: task})
	}
	return out
}
