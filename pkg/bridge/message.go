package bridge

import "fmt"

// Type discriminates the three message kinds carried over a channel.
type Type string

const (
	TypeEvent    Type = "event"
	TypeInvoke   Type = "invoke"
	TypeResponse Type = "response"
)

// Message is the wire vocabulary shared by every bridge.
//
// Events use Name and Payload. Invocations use ID, Name and Args. Responses
// echo ID and Name and carry either Result or a non-empty Error.
type Message struct {
	Type    Type   `json:"type" cbor:"type"`
	ID      string `json:"id,omitempty" cbor:"id,omitempty"`
	Name    string `json:"name" cbor:"name"`
	Payload []any  `json:"payload,omitempty" cbor:"payload,omitempty"`
	Args    []any  `json:"args,omitempty" cbor:"args,omitempty"`
	Result  any    `json:"result,omitempty" cbor:"result,omitempty"`
	Error   string `json:"error,omitempty" cbor:"error,omitempty"`
}

// NewEvent builds a fire-and-forget notification.
func NewEvent(name string, payload ...any) Message {
	return Message{Type: TypeEvent, Name: name, Payload: payload}
}

// NewInvoke builds a correlated request.
func NewInvoke(id string, name string, args ...any) Message {
	return Message{Type: TypeInvoke, ID: id, Name: name, Args: args}
}

// NewResult builds a successful response for an invocation.
func NewResult(id string, name string, result any) Message {
	return Message{Type: TypeResponse, ID: id, Name: name, Result: result}
}

// NewFailure builds an error response for an invocation.
func NewFailure(id string, name string, errMsg string) Message {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	return Message{Type: TypeResponse, ID: id, Name: name, Error: errMsg}
}

// Failed reports whether a response carries an error.
func (m Message) Failed() bool {
	return m.Type == TypeResponse && m.Error != ""
}

// Validate rejects messages that cannot be dispatched.
func (m Message) Validate() error {
	switch m.Type {
	case TypeEvent:
		if m.Name == "" {
			return fmt.Errorf("event without name")
		}
	case TypeInvoke:
		if m.ID == "" || m.Name == "" {
			return fmt.Errorf("invoke requires id and name")
		}
	case TypeResponse:
		if m.ID == "" {
			return fmt.Errorf("response without id")
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

func (m Message) String() string {
	if m.ID == "" {
		return fmt.Sprintf("%s(%s)", m.Type, m.Name)
	}
	return fmt.Sprintf("%s(%s#%s)", m.Type, m.Name, m.ID)
}
