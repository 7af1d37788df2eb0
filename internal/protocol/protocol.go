// Package protocol defines the kolabd wire vocabulary: request prefixes,
// reply codes, the task JSON shape and the typed commands parsed from UDP
// datagrams and TCP lines.
package protocol

// Login and UDP request prefixes.
const (
	PrefixManager        = "MENADZER:"
	PrefixEmployee       = "ZAPOSLENI:"
	PrefixAllTasks       = "SVI:"
	PrefixChangePriority = "PRIORITY:"
)

// UDP reply prefixes and codes.
const (
	PrefixTCPInfo = "TCP:"
	PrefixTasks   = "TASKS:"
	PrefixUDPErr  = "ERR:"

	ReplyOK    = "OK"
	ReplyError = "ERROR"

	UDPErrBadFormat   = PrefixUDPErr + "BAD_FORMAT"
	UDPErrBadTaskName = PrefixUDPErr + "BAD_TASKNAME"
	UDPErrBadPriority = PrefixUDPErr + "BAD_PRIORITY"
	UDPErrNotFound    = PrefixUDPErr + "NOT_FOUND"
)

// TCP command prefixes.
const (
	PrefixSend = "SEND:"
	PrefixTake = "TAKE:"
	PrefixDone = "DONE:"
	CmdList    = "LIST"
)

// TCP reply codes.
const (
	ReplyIDOK           = "ID_OK"
	ReplyIDRequired     = "ID_REQUIRED"
	ReplyNoTasks        = "NO_TASKS"
	ErrSendFormat       = "ERR_SEND_FORMAT"
	ErrNotFound         = "ERR_NOT_FOUND"
	ErrUnknown          = "ERR_UNKNOWN"
	ErrJSON             = "ERR_JSON"
	ErrUnknownJSON      = "ERR_UNKNOWN_JSON"
	ErrUnknownAction    = "ERR_UNKNOWN_ACTION"
	ReplyEmployeeList   = "employee_list_reply"
	RequestEmployeeList = "employee_list"
	RequestEmployeeAct  = "employee_action"
	ActionTake          = "take"
	ActionFinish        = "finish"
)

// Legacy list separators.
const (
	LegacyFieldSep = "|"
	LegacyRowSep   = "^"
)

// Role identifies the kind of principal behind a login.
type Role int

const (
	// RoleNone marks an unidentified session.
	RoleNone Role = iota
	// RoleManager creates tasks and adjusts priorities.
	RoleManager
	// RoleEmployee takes and finishes tasks assigned to it.
	RoleEmployee
)

func (r Role) String() string {
	switch r {
	case RoleManager:
		return "manager"
	case RoleEmployee:
		return "employee"
	default:
		return "none"
	}
}

// Prefix returns the login prefix for r.
func (r Role) Prefix() string {
	switch r {
	case RoleManager:
		return PrefixManager
	case RoleEmployee:
		return PrefixEmployee
	default:
		return ""
	}
}
