package manifest

import (
	"errors"
	"fmt"
)

// ErrorKind classifies manifest failures so the protocol layer can pick a
// response code.
type ErrorKind int

const (
	// InvalidManifest covers parse and structural validation failures.
	InvalidManifest ErrorKind = iota + 1
	// UnverifiedManifest is a schema 1 signature that does not verify.
	UnverifiedManifest
	// InvalidManifestInList is a list child that is missing or does not
	// match its descriptor.
	InvalidManifestInList
	// UnsupportedManifest is an unknown media type.
	UnsupportedManifest
	// MissingBlob is a referenced blob the retriever could not produce.
	MissingBlob
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidManifest:
		return "invalid manifest"
	case UnverifiedManifest:
		return "unverified manifest"
	case InvalidManifestInList:
		return "invalid manifest in list"
	case UnsupportedManifest:
		return "unsupported manifest"
	case MissingBlob:
		return "missing blob"
	}
	return "unknown"
}

// Error is returned by parsers and validators.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around err.
func Wrap(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first Error in err's chain, or zero.
func KindOf(err error) ErrorKind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return 0
}
