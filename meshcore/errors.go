package meshcore

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is. These are the kinds
// enumerated by the error handling design: ResolutionEmpty is not an
// error at all (it is a reportable field on Response), so it has no
// sentinel here.
var (
	ErrAgentExecutionFailed = errors.New("agent execution failed")
	ErrCacheIO              = errors.New("cache io error")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNotFound             = errors.New("not found")
	ErrCancelled            = errors.New("cancelled")

	ErrPatternNotFound  = errors.New("pattern not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// MeshError provides structured error context with wrapping, following
// the same shape as the rest of the framework's error types.
type MeshError struct {
	Op      string // operation that failed, e.g. "stepcache.Put"
	Kind    string // error kind, e.g. "cache", "resolver", "executor"
	ID      string // optional id of the entity involved
	Message string
	Err     error
}

func (e *MeshError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *MeshError) Unwrap() error {
	return e.Err
}

// NewMeshError builds a MeshError wrapping err.
func NewMeshError(op, kind string, err error) *MeshError {
	return &MeshError{Op: op, Kind: kind, Err: err}
}

// IsNotFound reports whether err represents a not-found condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPatternNotFound) || errors.Is(err, ErrWorkflowNotFound)
}

// IsRetryable reports whether err is transient and safe to retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCacheIO)
}

// IsCancelled reports whether err represents caller-initiated cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// AgentFailedError names the agent that failed mid-workstack, per the
// Agent failure propagation policy.
type AgentFailedError struct {
	AgentID string
	Reason  string
}

func (e *AgentFailedError) Error() string {
	return fmt.Sprintf("agent %s failed: %s", e.AgentID, e.Reason)
}

func (e *AgentFailedError) Is(target error) bool {
	return target == ErrAgentExecutionFailed
}
