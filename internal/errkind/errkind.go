// Package errkind defines the stable error taxonomy shared by every
// physback package and carried across the worker protocol as a 32-bit code.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. Values are part of the wire protocol:
// once assigned they must not be renumbered.
type Kind int32

const (
	KindNone Kind = iota
	KindConfig
	KindPathMissing
	KindFileMissing
	KindPathExists
	KindFileExists
	KindFileOpen
	KindFileRead
	KindFileWrite
	KindFileRemove
	KindFileOwner
	KindPathNotEmpty
	KindPostmasterRunning
	KindFormatError
	KindChecksumError
	KindCryptoError
	KindBackupSetInvalid
	KindBackupMismatch
	KindTablespaceMapError
	KindLinkMapError
	KindDbMissing
	KindDbInvalid
	KindProtocolError
	KindTimeout
	KindJsonFormatError
	KindAssertError
)

var names = map[Kind]string{
	KindNone:              "none",
	KindConfig:            "config",
	KindPathMissing:       "path-missing",
	KindFileMissing:       "file-missing",
	KindPathExists:        "path-exists",
	KindFileExists:        "file-exists",
	KindFileOpen:          "file-open",
	KindFileRead:          "file-read",
	KindFileWrite:         "file-write",
	KindFileRemove:        "file-remove",
	KindFileOwner:         "file-owner",
	KindPathNotEmpty:      "path-not-empty",
	KindPostmasterRunning: "postmaster-running",
	KindFormatError:       "format-error",
	KindChecksumError:     "checksum-error",
	KindCryptoError:       "crypto-error",
	KindBackupSetInvalid:  "backup-set-invalid",
	KindBackupMismatch:    "backup-mismatch",
	KindTablespaceMapError: "tablespace-map-error",
	KindLinkMapError:      "link-map-error",
	KindDbMissing:         "db-missing",
	KindDbInvalid:         "db-invalid",
	KindProtocolError:     "protocol-error",
	KindTimeout:           "timeout",
	KindJsonFormatError:   "json-format-error",
	KindAssertError:       "assert-error",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int32(k))
}

// Retryable reports whether the retry policy in internal/protocol may
// resend work that failed with this kind. Format/checksum/config/assert
// failures are never transient.
func (k Kind) Retryable() bool {
	switch k {
	case KindFormatError, KindChecksumError, KindConfig, KindAssertError:
		return false
	default:
		return true
	}
}

// Error wraps an underlying cause with a stable Kind and the operation
// that produced it, in the same spirit as utils.ExitCodeError.
type Error struct {
	Kind  Kind
	Op    string
	Err   error
	Stack string
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: [%s] %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: [%s]", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// As reports the Kind of err if it (or something it wraps) is an *Error,
// else KindNone.
func As(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindNone
}
