package rededup

import (
	"errors"
	"fmt"
)

// Exit codes used by the rededup command.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitUsage        = 2
	ExitNoRepository = 3
	ExitTruncating   = 4
)

// NotRepositoryError means no .rededup index directory was found at or
// above the requested path.
type NotRepositoryError struct {
	Path string
}

func (e *NotRepositoryError) Error() string {
	if e.Path == "" {
		return "no repository found"
	}
	return fmt.Sprintf("not a repository: %s", e.Path)
}

// TruncatingError means the index still carries the truncation marker
// from an interrupted rebuild. Only rebuild may touch such an index.
type TruncatingError struct {
	Root string
}

func (e *TruncatingError) Error() string {
	return fmt.Sprintf("index at %s is in a truncating state; run rebuild", e.Root)
}

// CorruptIndexError names the store key at which an invariant violation
// was detected. Rebuild is the recovery.
type CorruptIndexError struct {
	Key    []byte
	Reason string
}

func (e *CorruptIndexError) Error() string {
	return fmt.Sprintf("corrupt index entry %q: %s", e.Key, e.Reason)
}

// UsageError reports bad arguments or an unusable combination of
// repositories or options.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string {
	return e.Msg
}

// ExitCode maps an error to the command's exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var notRepo *NotRepositoryError
	if errors.As(err, &notRepo) {
		return ExitNoRepository
	}
	var truncating *TruncatingError
	if errors.As(err, &truncating) {
		return ExitTruncating
	}
	var usage *UsageError
	if errors.As(err, &usage) {
		return ExitUsage
	}
	return ExitFailure
}
