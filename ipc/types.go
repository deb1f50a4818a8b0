// Package ipc implements the cross-process communication fabric (spec
// §4.2): per-plugin queues, the process-wide RequestBroker, the fast-plane
// envelope, and the request router.
package ipc

import "time"

// CommandType enumerates the taxonomy the child MUST handle (spec §4.1
// "Command taxonomy").
type CommandType string

const (
	CmdStop           CommandType = "STOP"
	CmdFreeze         CommandType = "FREEZE"
	CmdTrigger        CommandType = "TRIGGER"
	CmdTriggerCustom  CommandType = "TRIGGER_CUSTOM"
	CmdBusChange      CommandType = "BUS_CHANGE"
)

// Command is one host→child message placed on cmd_ch.
type Command struct {
	Type      CommandType
	RequestID string

	// TRIGGER / TRIGGER_CUSTOM
	EntryID   string
	EventType string
	EventID   string
	Args      map[string]any

	// BUS_CHANGE
	SubID string
	Bus   string
	Op    string
	Delta map[string]any
}

// Result is one child→host reply placed on res_ch, matched by RequestID.
type Result struct {
	RequestID string
	Success   bool
	Data      any
	Error     *StructuredError
}

// StructuredError is the structured error shape replied on res_ch and
// mirrored in the REST/WS "Structured result envelope" (spec §6).
type StructuredError struct {
	Code      string
	Message   string
	Details   map[string]any
	Retriable bool
}

// StatusKind enumerates unsolicited status reports a child posts on
// status_ch.
type StatusKind string

const (
	StatusAlive   StatusKind = "alive"
	StatusHealthy StatusKind = "healthy"
	StatusPaused  StatusKind = "paused"
)

// Status is one unsolicited child→host status report.
type Status struct {
	Kind      StatusKind
	Healthy   bool
	Message   string
	Details   map[string]any
	Timestamp time.Time
}

// Message is one child→host bus write, forwarded into the host-wide
// message channel that publishes into the bus store (spec §4.1
// "Host-side IPC coordinator").
type Message struct {
	Bus     string
	Topic   string
	Payload map[string]any
}
