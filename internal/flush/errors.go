package flush

import "errors"

// Flush errors.
var (
	ErrFlushInProgress = errors.New("flush already in progress")
	ErrUnknownJob      = errors.New("unknown flush job")
	ErrWorkerStopped   = errors.New("flush worker stopped")
)
