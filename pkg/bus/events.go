package bus

import "time"

type EventType string

const (
	EventExtensionOnline  EventType = "extension_online"
	EventExtensionExited  EventType = "extension_exited"
	EventExtensionCrashed EventType = "extension_crashed"
	EventExtensionClosed  EventType = "extension_closed"
	EventExtensionFailed  EventType = "extension_failed"
)

type Event struct {
	Type      EventType `json:"type"`
	At        time.Time `json:"at"`
	SandboxID string    `json:"sandbox_id,omitempty"`
	Extension string    `json:"extension,omitempty"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
}
