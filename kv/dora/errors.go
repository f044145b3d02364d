package dora

import (
	"github.com/pingcap/errors"
)

var (
	ErrQueueFull        = errors.New("dora: partition queue is full")
	ErrPartitionStopped = errors.New("dora: partition is stopped")
	ErrEnvRunning       = errors.New("dora: env is running")
	ErrEnvStopped       = errors.New("dora: env is not running")
	ErrUnknownXct       = errors.New("dora: unknown transaction type")
	ErrUnknownTable     = errors.New("dora: unknown table")
	ErrTableNotReady    = errors.New("dora: table has no partitions")
	ErrEmptyKey         = errors.New("dora: empty routing key")
	ErrCrossPartition   = errors.New("dora: action keys span several partitions")
	ErrEmptyPhase       = errors.New("dora: phase without actions")
	ErrLockConflict     = errors.New("dora: lock conflict")
	ErrLockTimeout      = errors.New("dora: lock wait timed out")

	// ErrXctAborted is returned by an action body to abort its transaction on purpose, e.g. on a failed business
	// check.
	ErrXctAborted = errors.New("dora: transaction aborted")
)

// IsXctAborted tells whether err is a deliberate abort raised by an action body.
func IsXctAborted(err error) bool {
	return errors.Cause(err) == ErrXctAborted
}
