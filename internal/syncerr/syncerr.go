// Package syncerr defines the closed set of error codes reported by the sync
// engine and the structured error that carries them.
//
// Codes are grouped by hundreds: 1xx snapshots, 2xx updates, 3xx ephemeral
// messages, 4xx outbound snapshots, 5xx outbound updates and 6xx outbound
// ephemeral messages. 100 and 200 are generic failures of their group.
package syncerr

import (
	"errors"
	"fmt"
)

// Code identifies an error category.
type Code int

const (
	CodeGeneric Code = 100

	CodeSnapshotDecrypt           Code = 101
	CodeSnapshotParentClock       Code = 102
	CodeSnapshotSignature         Code = 111
	CodeSnapshotAncestor          Code = 112
	CodeSnapshotDocID             Code = 113
	CodeSnapshotInvalidAuthor     Code = 114
	CodeSnapshotLineage           Code = 115
	CodeUpdateGeneric             Code = 200
	CodeUpdateDecrypt             Code = 201
	CodeUpdateClockGap            Code = 202
	CodeUpdateSignature           Code = 212
	CodeUpdateRefSnapshot         Code = 213
	CodeUpdateReplay              Code = 214
	CodeUpdateInvalidAuthor       Code = 215
	CodeEphemeralDecrypt          Code = 301
	CodeEphemeralInvalidClient    Code = 302
	CodeEphemeralReplay           Code = 303
	CodeEphemeralCallback         Code = 304
	CodeEphemeralUnknownType      Code = 305
	CodeEphemeralDocID            Code = 306
	CodeEphemeralMalformed        Code = 307
	CodeEphemeralSignature        Code = 308
	CodeSnapshotSendFailed        Code = 401
	CodeSnapshotSaveRetryExceeded Code = 402
	CodeUpdateSendFailed          Code = 501
	CodeEphemeralSendFailed       Code = 601
)

var descriptions = map[Code]string{
	CodeGeneric:                   "generic failure",
	CodeSnapshotDecrypt:           "snapshot decryption failed",
	CodeSnapshotParentClock:       "snapshot parent update clock does not match",
	CodeSnapshotSignature:         "snapshot signature invalid",
	CodeSnapshotAncestor:          "snapshot is not a descendant of the known snapshot",
	CodeSnapshotDocID:             "snapshot belongs to another document",
	CodeSnapshotInvalidAuthor:     "snapshot author is not a valid collaborator",
	CodeSnapshotLineage:           "snapshot lineage inconsistent",
	CodeUpdateGeneric:             "generic update failure",
	CodeUpdateDecrypt:             "update decryption failed",
	CodeUpdateClockGap:            "update clock is not the successor of the current clock",
	CodeUpdateSignature:           "update signature invalid",
	CodeUpdateRefSnapshot:         "update references another snapshot",
	CodeUpdateReplay:              "update clock already applied",
	CodeUpdateInvalidAuthor:       "update author is not a valid collaborator",
	CodeEphemeralDecrypt:          "ephemeral message decryption failed",
	CodeEphemeralInvalidClient:    "ephemeral message author is not a valid collaborator",
	CodeEphemeralReplay:           "ephemeral message counter not increasing",
	CodeEphemeralCallback:         "ephemeral message callback failed",
	CodeEphemeralUnknownType:      "ephemeral message type unknown",
	CodeEphemeralDocID:            "ephemeral message belongs to another document",
	CodeEphemeralMalformed:        "ephemeral message malformed",
	CodeEphemeralSignature:        "ephemeral message signature invalid",
	CodeSnapshotSendFailed:        "creating or sending snapshot failed",
	CodeSnapshotSaveRetryExceeded: "snapshot save failed too many times",
	CodeUpdateSendFailed:          "creating or sending update failed",
	CodeEphemeralSendFailed:       "creating or sending ephemeral message failed",
}

// String returns the stable wire-style name, e.g. "SECSYNC_ERROR_101".
func (c Code) String() string {
	return fmt.Sprintf("SECSYNC_ERROR_%d", int(c))
}

// Description returns a human-readable description of the code.
func (c Code) Description() string {
	if d, ok := descriptions[c]; ok {
		return d
	}
	return "unknown error"
}

// Known reports whether c is one of the defined codes.
func (c Code) Known() bool {
	_, ok := descriptions[c]
	return ok
}

// Fatal reports whether an error with this code ends the connection.
// Snapshot and update failures are fatal except replays, ephemeral failures
// never are, and a snapshot retry overflow only forces a reconnect.
func (c Code) Fatal() bool {
	switch {
	case c == CodeUpdateReplay, c == CodeSnapshotSaveRetryExceeded:
		return false
	case c >= 300 && c < 400, c >= 600 && c < 700:
		return false
	default:
		return true
	}
}

// Error is a structured engine error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message adds context to the code description. Optional.
	Message string

	// Err is the underlying cause. Optional.
	Err error
}

// New returns an Error for code with an optional message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap returns an Error for code caused by err.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.Description()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code, so errors.Is(err,
// syncerr.New(code, "")) works on wrapped chains.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the code from err. Errors without one map to CodeGeneric.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeGeneric
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsFatal reports whether err ends the connection.
func IsFatal(err error) bool {
	return CodeOf(err).Fatal()
}
