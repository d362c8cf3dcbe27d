package message

import (
	"errors"
	"fmt"
)

var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrUnknownEvent     = errors.New("unknown event")
	ErrDuplicateRequest = errors.New("request id already in use")
	ErrCanceled         = errors.New("canceled")
	ErrConnectionLost   = errors.New("connection lost")
	ErrSessionExpired   = errors.New("session expired")
	ErrClosed           = errors.New("closed")
)

// wellKnown maps the wire names of core errors to their sentinels.
var wellKnown = []struct {
	name string
	err  error
}{
	{"ChannelNotFound", ErrChannelNotFound},
	{"UnknownCommand", ErrUnknownCommand},
	{"UnknownEvent", ErrUnknownEvent},
	{"DuplicateRequest", ErrDuplicateRequest},
	{"Canceled", ErrCanceled},
	{"ConnectionLost", ErrConnectionLost},
	{"SessionExpired", ErrSessionExpired},
	{"Closed", ErrClosed},
}

// RemoteError is the structured error carried by a CallError message.
// The client gets one back from Call whenever the server side failed.
type RemoteError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// NewError returns a RemoteError with the given name, for handlers that want
// the caller to see a specific error name (e.g. "NotFound").
func NewError(name, format string, args ...any) *RemoteError {
	return &RemoteError{Name: name, Message: fmt.Sprintf(format, args...)}
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Is lets errors.Is match a RemoteError against the core sentinels by name,
// and against another RemoteError with the same name.
func (e *RemoteError) Is(target error) bool {
	if t, ok := target.(*RemoteError); ok {
		return t.Name == e.Name
	}
	for _, wk := range wellKnown {
		if wk.err == target {
			return wk.name == e.Name
		}
	}
	return false
}

// ToRemote converts any handler error into its wire form. The name comes from,
// in order: a wrapped RemoteError, an ErrorName() method, a core sentinel.
// Anything else is named "Error".
func ToRemote(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		out := *re
		if out.Message == "" {
			out.Message = err.Error()
		}
		return &out
	}
	var named interface{ ErrorName() string }
	if errors.As(err, &named) {
		return &RemoteError{Name: named.ErrorName(), Message: err.Error()}
	}
	for _, wk := range wellKnown {
		if errors.Is(err, wk.err) {
			return &RemoteError{Name: wk.name, Message: err.Error()}
		}
	}
	return &RemoteError{Name: "Error", Message: err.Error()}
}
