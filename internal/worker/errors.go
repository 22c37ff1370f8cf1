package worker

import "errors"

// ErrSchedulerOverlap marks a batch tick skipped because the previous drain was still
// running. It is logged, never returned to callers.
var ErrSchedulerOverlap = errors.New("scheduler overlap: previous drain still in flight")
