package verify

import "fmt"

// ValidationError represents a general validation error in the verification process.
type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ValidationError) Error() string {
	msg := e.Msg
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// RevocationError reports a revoked certificate or unusable revocation
// data.
type RevocationError struct {
	Msg string
	Err error
}

func (e *RevocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *RevocationError) Unwrap() error {
	return e.Err
}

// InvalidSignatureError indicates that the cryptographic signature verification failed.
type InvalidSignatureError struct {
	Msg string
	Err error
}

func (e *InvalidSignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *InvalidSignatureError) Unwrap() error {
	return e.Err
}

// PolicyError indicates a violation of validation policy, such as a DocMDP
// restriction.
type PolicyError struct {
	Msg string
}

func (e *PolicyError) Error() string {
	return e.Msg
}
