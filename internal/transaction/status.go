package transaction

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle status of a transaction or batch.
type Status int32

const (
	// StatusIdle indicates the transaction has not been prepared for signing.
	StatusIdle Status = iota

	// StatusUnsigned indicates fee and nonce are attached and the transaction
	// awaits signing.
	StatusUnsigned

	// StatusRunning indicates the transaction was handed to the ledger and
	// inclusion is awaited.
	StatusRunning

	// StatusSucceeded indicates finalized inclusion with no failure.
	StatusSucceeded

	// StatusFailed indicates broadcast, inclusion or execution failed.
	StatusFailed

	// StatusAborted indicates the transaction was cancelled by the caller.
	StatusAborted
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusUnsigned:
		return "unsigned"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// ParseStatus converts a string to Status. Unknown strings map to
// StatusIdle.
func ParseStatus(s string) Status {
	switch s {
	case "unsigned":
		return StatusUnsigned
	case "running":
		return StatusRunning
	case "succeeded":
		return StatusSucceeded
	case "failed":
		return StatusFailed
	case "aborted":
		return StatusAborted
	default:
		return StatusIdle
	}
}

// IsTerminal returns true for succeeded, failed and aborted.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// CanTransition reports whether s -> to is a legal transition.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusIdle:
		return to == StatusUnsigned || to == StatusAborted
	case StatusUnsigned:
		return to == StatusRunning || to == StatusAborted
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed || to == StatusAborted
	default:
		return false
	}
}
