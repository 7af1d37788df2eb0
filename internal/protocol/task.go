package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Defaults applied to SEND payloads that omit the field.
const (
	DefaultPriority     = 5
	DefaultDeadlineDays = 7
)

// Status is the lifecycle state of a task.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusDone
)

var statusNames = [...]string{"NaCekanju", "UToku", "Zavrsen"}

// String returns the wire name of s.
func (s Status) String() string {
	if s < StatusPending || s > StatusDone {
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
	return statusNames[s]
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	return s >= StatusPending && s <= StatusDone
}

// Rank orders statuses for listings: in-progress first, then pending, then done.
func (s Status) Rank() int {
	switch s {
	case StatusInProgress:
		return 0
	case StatusPending:
		return 1
	case StatusDone:
		return 2
	default:
		return 9
	}
}

// ParseStatus accepts a wire name (case-insensitive) or its ordinal.
func ParseStatus(raw string) (Status, error) {
	raw = strings.TrimSpace(raw)
	for i, name := range statusNames {
		if strings.EqualFold(raw, name) {
			return Status(i), nil
		}
	}
	if n, err := strconv.Atoi(raw); err == nil && Status(n).Valid() {
		return Status(n), nil
	}
	return 0, fmt.Errorf("protocol: unknown status %q", raw)
}

// MarshalJSON encodes the wire name.
func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("protocol: invalid status %d", int(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either the wire name or the ordinal.
func (s *Status) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		parsed, err := ParseStatus(name)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("protocol: status must be a name or ordinal: %w", err)
	}
	if !Status(n).Valid() {
		return fmt.Errorf("protocol: unknown status ordinal %d", n)
	}
	*s = Status(n)
	return nil
}

// DateLayout is the wire format for deadlines.
const DateLayout = "2006-01-02"

var dateLayouts = []string{
	DateLayout,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.9999999",
	time.RFC3339Nano,
}

// Date is a calendar day without time of day.
type Date struct {
	t time.Time
}

// NewDate returns the calendar day of t.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses the wire format and the timestamp forms older writers emitted.
func ParseDate(raw string) (Date, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return NewDate(t), nil
		}
	}
	return Date{}, fmt.Errorf("protocol: invalid date %q", raw)
}

// DefaultDeadline is the deadline given to tasks that do not specify one.
func DefaultDeadline(now time.Time) Date {
	return NewDate(now.AddDate(0, 0, DefaultDeadlineDays))
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time { return d.t }

// IsZero reports whether d is unset.
func (d Date) IsZero() bool { return d.t.IsZero() }

// Compare returns -1, 0 or +1.
func (d Date) Compare(other Date) int { return d.t.Compare(other.t) }

func (d Date) String() string { return d.t.Format(DateLayout) }

// MarshalJSON encodes yyyy-MM-dd.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts yyyy-MM-dd or a full timestamp; the time part is dropped.
func (d *Date) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("protocol: date must be a string: %w", err)
	}
	parsed, err := ParseDate(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Task is a unit of work a manager assigns to an employee.
type Task struct {
	Name     string `json:"naziv"`
	Employee string `json:"zaposleni"`
	Deadline Date   `json:"rok"`
	Priority int    `json:"prioritet"`
	Status   Status `json:"status"`
	Comment  string `json:"komentar"`
}

// Assignment is a task together with the manager that owns it.
type Assignment struct {
	Manager string
	Task    Task
}

// AssignedTask is the JSON shape of an Assignment in employee_list replies.
type AssignedTask struct {
	Task
	Manager string `json:"menadzer"`
}

// sendPayload keeps status and comment raw: both are overwritten, so their
// shape never rejects a SEND.
type sendPayload struct {
	Name     string          `json:"naziv"`
	Employee string          `json:"zaposleni"`
	Deadline *Date           `json:"rok"`
	Priority *int            `json:"prioritet"`
	Status   json.RawMessage `json:"status"`
	Comment  json.RawMessage `json:"komentar"`
}

// DecodeSendTask decodes a SEND payload. Name and employee are trimmed and
// required; the result is always Pending with an empty comment. Missing
// priority and deadline take their defaults relative to now.
func DecodeSendTask(payload string, now time.Time) (Task, error) {
	var p sendPayload
	dec := json.NewDecoder(strings.NewReader(payload))
	if err := dec.Decode(&p); err != nil {
		return Task{}, fmt.Errorf("protocol: decode task: %w", err)
	}
	task := Task{
		Name:     strings.TrimSpace(p.Name),
		Employee: strings.TrimSpace(p.Employee),
		Priority: DefaultPriority,
		Deadline: DefaultDeadline(now),
		Status:   StatusPending,
	}
	if task.Name == "" || task.Employee == "" {
		return Task{}, fmt.Errorf("protocol: task requires naziv and zaposleni")
	}
	if p.Priority != nil {
		task.Priority = *p.Priority
	}
	if p.Deadline != nil && !p.Deadline.IsZero() {
		task.Deadline = *p.Deadline
	}
	return task, nil
}
