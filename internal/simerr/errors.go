// Package simerr defines the error taxonomy shared by the simulation packages.
// Callers classify failures with errors.As and errors.Is.
package simerr

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrUnknownTransition = errors.New("unknown transition")
	ErrUnknownPolicy     = errors.New("unknown policy")
	ErrUnknownShock      = errors.New("unknown shock")
	ErrUnknownBand       = errors.New("unknown band")
	ErrStaleState        = errors.New("stale cohort state")
	ErrNotFound          = errors.New("not found")
	ErrInvalid           = errors.New("invalid input")
)

// ConfigError reports malformed or internally inconsistent configuration.
// It is fatal at load time.
type ConfigError struct {
	Document string // "baseline", "transitions", "policies", "costs", "scoring"
	Field    string
	Reason   string
	Err      error
}

func (e *ConfigError) Error() string {
	msg := "config"
	if e.Document != "" {
		msg += " " + e.Document
	}
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Configf builds a ConfigError from a format string; %w verbs are honoured.
func Configf(document, field, format string, args ...any) *ConfigError {
	return &ConfigError{Document: document, Field: field, Err: fmt.Errorf(format, args...)}
}

// BudgetError reports a policy mix whose committed cost exceeds the team budget.
// It is recoverable: the team revises its selection.
type BudgetError struct {
	Committed float64
	Budget    float64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("policy mix commits %.2f against a budget of %.2f", e.Committed, e.Budget)
}

// SimulationFailure reports an internal inconsistency detected while
// advancing a cohort. The whole advance call is aborted.
type SimulationFailure struct {
	Month  int
	Reason string
	Err    error
}

func (e *SimulationFailure) Error() string {
	msg := fmt.Sprintf("simulation failure at month %d: %s", e.Month, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SimulationFailure) Unwrap() error { return e.Err }

// IsBudget reports whether err is (or wraps) a BudgetError.
func IsBudget(err error) bool {
	var be *BudgetError
	return errors.As(err, &be)
}

// IsConfig reports whether err is (or wraps) a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
