package engine

import "fmt"

// InvalidInputError rejects a request before any state is touched.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IllegalStateError means the request exists but its current state forbids
// the action. The Reason names the failed precondition.
type IllegalStateError struct {
	Action string
	Reason string
}

func (e IllegalStateError) Error() string {
	return fmt.Sprintf("cannot %s: %s", e.Action, e.Reason)
}

// SignatureInvalidError means the signing service rejected or failed the
// signature. Nothing is written when this is returned.
type SignatureInvalidError struct {
	Reason string
}

func (e SignatureInvalidError) Error() string {
	return fmt.Sprintf("signature invalid: %s", e.Reason)
}
