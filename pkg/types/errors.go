package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the coordination layer. Typed errors below match their
// sentinel through errors.Is.
var (
	ErrConnection           = errors.New("connection error")
	ErrRegistrationRejected = errors.New("registration rejected")
	ErrNoAgents             = errors.New("no agents registered")
	ErrInsufficientAgents   = errors.New("insufficient agents")
	ErrWorkload             = errors.New("workload failed")
	ErrFleetExhausted       = errors.New("fleet exhausted")
	ErrTargetRejected       = errors.New("target rejected")
	ErrRateTooLow           = errors.New("total rate below one operation per second per agent")
)

// RegistrationRejectedError is returned when the controller answers
// REGISTER with accepted=false.
type RegistrationRejectedError struct {
	Reason string
}

func (e *RegistrationRejectedError) Error() string {
	return fmt.Sprintf("registration rejected: %s", e.Reason)
}

func (e *RegistrationRejectedError) Is(target error) bool {
	return target == ErrRegistrationRejected
}

// InsufficientAgentsError is returned when fewer agents are available than a
// workload requires.
type InsufficientAgentsError struct {
	Required  int
	Available int
}

func (e *InsufficientAgentsError) Error() string {
	return fmt.Sprintf("insufficient agents: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientAgentsError) Is(target error) bool {
	return target == ErrInsufficientAgents
}

// WorkloadError carries the text of a failed workload callback.
type WorkloadError struct {
	AgentID string
	Message string
}

func (e *WorkloadError) Error() string {
	if e.AgentID == "" {
		return fmt.Sprintf("workload failed: %s", e.Message)
	}
	return fmt.Sprintf("workload failed on agent %s: %s", e.AgentID, e.Message)
}

func (e *WorkloadError) Is(target error) bool {
	return target == ErrWorkload
}

// TargetRejectedError is returned when the safety gate refuses a workload.
type TargetRejectedError struct {
	Target string
	Reason string
}

func (e *TargetRejectedError) Error() string {
	return fmt.Sprintf("target %s rejected: %s", e.Target, e.Reason)
}

func (e *TargetRejectedError) Is(target error) bool {
	return target == ErrTargetRejected
}
