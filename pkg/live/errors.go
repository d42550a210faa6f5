package live

import "errors"

// ErrorKind classifies why a connection ended.
type ErrorKind string

const (
	// KindAuth means the remote end rejected the credential. Never retried
	// directly; the credential is refreshed first.
	KindAuth ErrorKind = "auth-error"
	// KindServerDisconnect means the server hung up on purpose; reconnect after a delay.
	KindServerDisconnect ErrorKind = "server-disconnect"
	// KindTransport is everything else. The channel waits for a credential change.
	KindTransport ErrorKind = "transport-error"
)

type ChannelError struct {
	Kind ErrorKind
	Err  error
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *ChannelError) Unwrap() error { return e.Err }

func kindOf(err error) ErrorKind {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransport
}
