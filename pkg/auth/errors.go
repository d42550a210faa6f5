package auth

import (
	"errors"
	"fmt"
)

// Reason classifies why a credential exchange failed.
type Reason string

const (
	ReasonNoSession         Reason = "no-session"
	ReasonServerRejected    Reason = "server-rejected"
	ReasonMalformedResponse Reason = "malformed-response"
	ReasonNetwork           Reason = "network"
)

// Failure is returned by every exchange that could not produce a credential.
// Any Failure from a refresh logs the user out.
type Failure struct {
	Reason  Reason
	Status  int
	Message string
	Err     error
}

func (f *Failure) Error() string {
	msg := "auth " + string(f.Reason)
	if f.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", f.Status)
	}
	if f.Message != "" {
		msg += ": " + f.Message
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Is matches any Failure with the same Reason, so errors.Is(err, ErrNoSession)
// works on wrapped failures.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Reason == f.Reason
}

var (
	ErrNoSession         = &Failure{Reason: ReasonNoSession}
	ErrServerRejected    = &Failure{Reason: ReasonServerRejected}
	ErrMalformedResponse = &Failure{Reason: ReasonMalformedResponse}
	ErrNetwork           = &Failure{Reason: ReasonNetwork}
)

// asFailure normalises any error into a *Failure. Unknown errors are network
// failures since they came out of the transport.
func asFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Reason: ReasonNetwork, Err: err}
}
