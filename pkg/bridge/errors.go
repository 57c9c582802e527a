package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned for calls issued on, or abandoned by, a closed bridge.
	ErrClosed = errors.New("bridge closed")

	// ErrDuplicateMethod is returned when a method name is registered twice.
	ErrDuplicateMethod = errors.New("method already registered")
)

// RemoteError is the rejection carried by a failed response.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// NotFoundMessage is the error text sent back for unregistered methods.
func NotFoundMessage(name string) string {
	return fmt.Sprintf("Method %s not found", name)
}

// IsNotFound reports whether err is the remote side's unregistered-method reply.
func IsNotFound(err error) bool {
	var remote *RemoteError
	if !errors.As(err, &remote) {
		return false
	}
	return remote.Message == NotFoundMessage(remote.Method)
}
