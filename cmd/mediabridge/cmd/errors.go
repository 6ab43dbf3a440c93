package cmd

import (
	"errors"
	"strings"

	"github.com/corey/mediabridge/internal/app"
	"github.com/corey/mediabridge/internal/domain/messenger"
)

// Exit codes by error kind.
const (
	exitFailure      = 1
	exitUsage        = 2
	exitNotFound     = 3
	exitAccessDenied = 4
	exitConnection   = 5
	exitMalformed    = 6
)

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, messenger.ErrNotFound), errors.Is(err, app.ErrUnknownSource):
		return exitNotFound
	case errors.Is(err, messenger.ErrAccessDenied), errors.Is(err, app.ErrBuiltinSource):
		return exitAccessDenied
	case messenger.IsConnectionFailure(err):
		return exitConnection
	case errors.Is(err, messenger.ErrMalformedSource), errors.Is(err, messenger.ErrInstantiation):
		return exitMalformed
	case errors.Is(err, errUsage):
		return exitUsage
	default:
		return exitFailure
	}
}

var errUsage = errors.New("usage")

// isDBLockError returns true if the error chain contains a bbolt lock timeout.
// bbolt returns the string "timeout" when it cannot acquire the file lock
// within the configured deadline.
func isDBLockError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "timeout")
}

// diagnoseDBLock explains a locked state database: only one host session can
// hold it at a time.
func diagnoseDBLock(dbPath string) string {
	return "state database " + dbPath + " is locked by another mediabridge session\n" +
		"  → a long running browse --watch holds it until it exits\n" +
		"  → find the process:  ps aux | grep mediabridge\n" +
		"  → then retry your command"
}
