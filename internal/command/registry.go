// Package command is the request/response invocation layer: a client names
// a command and passes JSON arguments, and gets a JSON-encodable value or an
// error with a stable code.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	appLog "calendo/internal/log"
	"calendo/internal/ics"
	"calendo/internal/recurrence"
	"calendo/internal/store"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadArguments   = errors.New("bad arguments")
)

// Error codes reported to clients.
const (
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeInvalidArgument = "invalid_argument"
	CodeUnknownCommand  = "unknown_command"
	CodeInternal        = "internal"
)

type Handler func(ctx context.Context, args json.RawMessage) (any, error)

type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering a name twice panics.
func (r *Registry) Register(name string, h Handler) {
	if _, dup := r.handlers[name]; dup {
		panic("command: duplicate registration of " + name)
	}
	r.handlers[name] = h
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named command.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (any, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	started := time.Now()
	out, err := h(ctx, args)
	if err != nil {
		if Code(err) == CodeInternal {
			appLog.Error("command failed", err, "command", name)
		} else {
			appLog.Debug("command rejected", "command", name, "err", err.Error())
		}
		return nil, err
	}
	appLog.Debug("command done", "command", name, "elapsed", time.Since(started).String())
	return out, nil
}

// Code maps an error onto its client-facing code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownCommand):
		return CodeUnknownCommand
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, store.ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrBadArguments),
		errors.Is(err, store.ErrInvalid),
		errors.Is(err, recurrence.ErrInvalidRule),
		errors.Is(err, recurrence.ErrUnknownTimezone),
		errors.Is(err, recurrence.ErrInvalidWindow),
		errors.Is(err, ics.ErrInvalidCalendar):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}

// Failure is the error envelope sent to clients.
type Failure struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

// FailureOf builds the envelope for err. Internal errors are not echoed.
func FailureOf(err error) Failure {
	code := Code(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	return Failure{Code: code, Error: msg}
}

// decode unmarshals args into v. Empty args decode as {}.
func decode(args json.RawMessage, v any) error {
	args = bytes.TrimSpace(args)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		args = []byte("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadArguments, err)
	}
	return nil
}

type idArgs struct {
	ID string `json:"id"`
}

func decodeID(args json.RawMessage) (string, error) {
	var a idArgs
	if err := decode(args, &a); err != nil {
		return "", err
	}
	if a.ID == "" {
		return "", fmt.Errorf("%w: id is required", ErrBadArguments)
	}
	return a.ID, nil
}
