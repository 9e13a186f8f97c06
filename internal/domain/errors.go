package domain

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when no active session exists for a thread.
// Callers treat it as "nothing to do".
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned when a thread already has an active session
var ErrSessionExists = errors.New("session already exists for thread")

// ProviderRequestError is a transport or protocol failure talking to a backend
type ProviderRequestError struct {
	Provider string
	Model    string
	Status   string
	Err      error
}

func (e *ProviderRequestError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s request for %s failed (status %s): %v", e.Provider, e.Model, e.Status, e.Err)
	}
	return fmt.Sprintf("%s request for %s failed: %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderRequestError) Unwrap() error {
	return e.Err
}

// ToolExecutionError is a tool handler failure. It never crosses the tool
// registry boundary; it is rendered into a tool-role message instead.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// PersistenceError is a durable store write failure. In-memory state is kept.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
