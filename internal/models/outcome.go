package models

import "fmt"

// OutcomeKind tags the result of one page fetch.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeSoftBlock OutcomeKind = "soft_block"
	OutcomeTimeout   OutcomeKind = "timeout"
	OutcomeHardError OutcomeKind = "hard_error"
)

// FetchOutcome is produced once per check attempt.
type FetchOutcome struct {
	Kind       OutcomeKind      `json:"kind"`
	Snapshot   *ProductSnapshot `json:"snapshot,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	StatusCode int              `json:"status_code,omitempty"`
	Name       string           `json:"name,omitempty"`
}

func Success(s ProductSnapshot) FetchOutcome {
	return FetchOutcome{Kind: OutcomeSuccess, Snapshot: &s}
}

func SoftBlock(reason string) FetchOutcome {
	return FetchOutcome{Kind: OutcomeSoftBlock, Reason: reason}
}

func Timeout() FetchOutcome {
	return FetchOutcome{Kind: OutcomeTimeout, Reason: "request timeout"}
}

func HardError(reason string) FetchOutcome {
	return FetchOutcome{Kind: OutcomeHardError, Reason: reason}
}

// IsFailure reports whether the outcome counts toward a product's failure streak.
func (o FetchOutcome) IsFailure() bool {
	return o.Kind == OutcomeTimeout || o.Kind == OutcomeHardError
}

// Err maps a failed outcome onto the error taxonomy. Returns nil on success.
func (o FetchOutcome) Err() error {
	switch o.Kind {
	case OutcomeSoftBlock:
		return fmt.Errorf("%w: %s", ErrRemoteBlocked, o.Reason)
	case OutcomeTimeout:
		return ErrRemoteTimeout
	case OutcomeHardError:
		return fmt.Errorf("%w: %s", ErrRemoteError, o.Reason)
	}
	return nil
}
