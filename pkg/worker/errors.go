package worker

import (
	"errors"
	"fmt"

	errs "github.com/c360/openhim-core/errors"
)

// Pool errors. ErrQueueFull is returned by Submit when the queue is at
// capacity; callers decide whether to drop or retry the item.
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = fmt.Errorf("worker pool: %w", errs.ErrAlreadyStarted)
	ErrQueueFull          = errors.New("worker pool queue full")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")
)
