// Package errs defines the shared error taxonomy used across the dispatch
// engine (spec §7): ConfigError, ArgumentError, StorageError, DispatchError.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an experiment ID has no matching document.
	ErrNotFound = errors.New("experiment not found")

	// ErrNotClaimable indicates an experiment exists but the atomic claim
	// predicate did not match it (wrong status, or a Slurm task/array
	// mismatch).
	ErrNotClaimable = errors.New("experiment not claimable")

	// ErrOnLoginNode indicates a local worker refused to start because the
	// current host is a configured login node.
	ErrOnLoginNode = errors.New("refusing to run a worker on a login node")
)

// ConfigError reports a bad YAML value, a forbidden sbatch key, an
// unresolved interpolation, or a missing/invalid output directory.
type ConfigError struct {
	Field string // optional: the config key or interpolation reference at fault
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError, optionally naming the offending field.
func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{Field: field, Err: err}
}

// ArgumentError reports an invalid CLI flag combination, a malformed GPU
// list, or an attempt to run a worker on a login node.
type ArgumentError struct {
	Flag string
	Err  error
}

func (e *ArgumentError) Error() string {
	if e.Flag != "" {
		return fmt.Sprintf("argument error: %s: %v", e.Flag, e.Err)
	}
	return fmt.Sprintf("argument error: %v", e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// NewArgumentError builds an ArgumentError, optionally naming the offending flag.
func NewArgumentError(flag string, err error) *ArgumentError {
	return &ArgumentError{Flag: flag, Err: err}
}

// StorageError reports a transport-level failure talking to the experiment
// collection. The engine never retries automatically; callers decide.
type StorageError struct {
	Op  string // find, find_one, claim_for_run, update_many, bulk_write, ...
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError builds a StorageError naming the failing operation.
func NewStorageError(op string, err error) *StorageError {
	return &StorageError{Op: op, Err: err}
}

// DispatchError reports a non-zero exit from sbatch, srun, or scontrol.
// Msg carries the tool's stderr verbatim.
type DispatchError struct {
	Tool string // sbatch, srun, scontrol, scancel, squeue
	Msg  string
	Err  error
}

func (e *DispatchError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s failed: %s", e.Tool, e.Msg)
	}
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// NewDispatchError builds a DispatchError carrying the tool's stderr.
func NewDispatchError(tool, msg string, err error) *DispatchError {
	return &DispatchError{Tool: tool, Msg: msg, Err: err}
}
