package es

import "errors"

// Server-reported operation errors. These are non-retryable: the dispatcher
// surfaces them to the caller immediately. A missing stream on read is NOT an
// error, see ReadStreamStatus.
var (
	ErrWrongExpectedVersion = errors.New("wrong expected version")
	ErrStreamDeleted        = errors.New("stream deleted")
	ErrAccessDenied         = errors.New("access denied")
	ErrBadRequest           = errors.New("bad request")
)

// Credentials authenticate a connection (or a single operation) against the
// server. The zero value means anonymous.
type Credentials struct {
	Login    string
	Password string
}

func (c Credentials) IsZero() bool { return c.Login == "" && c.Password == "" }

// AllStream is the reserved name of the global ordered stream.
const AllStream = "$all"
