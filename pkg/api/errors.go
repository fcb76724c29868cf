package api

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIdentifier is returned for malformed model identifiers.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrNotFound is returned when the repository, revision or file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAccessDenied is returned for gated or private repositories without valid credentials.
	ErrAccessDenied = errors.New("access denied")
	// ErrUnreachable is returned when the registry cannot be contacted.
	ErrUnreachable = errors.New("registry unreachable")
	// ErrNoBundle is returned when a repository holds no tokenizer files.
	ErrNoBundle = errors.New("no tokenizer bundle")
	// ErrChecksumMismatch is returned when fetched content does not match its ETag.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrInvalidResponse is returned when the registry names a commit, file or
	// blob that cannot be stored safely.
	ErrInvalidResponse = errors.New("invalid registry response")
)

// ResolutionError reports that an identifier could not be resolved to a bundle.
type ResolutionError struct {
	ModelID  string
	Revision string
	Err      error
}

func (e *ResolutionError) Error() string {
	if e.Revision == "" {
		return fmt.Sprintf("resolve %s: %v", e.ModelID, e.Err)
	}
	return fmt.Sprintf("resolve %s@%s: %v", e.ModelID, e.Revision, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// IOError reports a local filesystem failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
