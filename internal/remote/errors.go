package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotDirectory is returned by List when the path resolves to a file.
var ErrNotDirectory = errors.New("path is not a directory")

// ErrAbsent is returned when an operation needs a file that does not exist.
var ErrAbsent = errors.New("remote file does not exist")

// ProtocolError is any non-2xx answer from the remote not covered by a more specific error.
type ProtocolError struct {
	Op      string
	Status  int
	Message string
}

func (e *ProtocolError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s: remote returned %d: %s", e.Op, e.Status, msg)
}

// ConflictError means the live file or branch moved since the caller last saw it.
type ConflictError struct {
	Path     string
	Expected string
	Message  string
}

func (e *ConflictError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("conflict on %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("conflict on %s (expected %s): %s; reload the remote file and retry", e.Path, shortHash(e.Expected), e.Message)
}

// StepError reports which step of a multi-request operation failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return "rename failed at " + e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error { return e.Err }

func statusOf(err error) int {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Status
	}
	return 0
}

// asConflict converts the remote's optimistic-concurrency rejections into ConflictError.
func asConflict(err error, path, expected string) error {
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		return err
	}
	msg := strings.ToLower(perr.Message)
	switch {
	case perr.Status == http.StatusConflict,
		perr.Status == http.StatusUnprocessableEntity && (strings.Contains(msg, "sha") || strings.Contains(msg, "fast forward")):
		return &ConflictError{Path: path, Expected: expected, Message: perr.Message}
	}
	return err
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
