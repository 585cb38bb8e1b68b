package job

import "sync/atomic"

// StopSignal is the cooperative stop flag shared between a sheet job and its
// executing worker. Control operations are the only writers; the checkpoint
// protocol only observes it, so reads are safe concurrently with writes.
//
// The cancel flag is one-shot: once raised it is never cleared. The pause
// flag is cleared again by Resume.
type StopSignal struct {
	cancel atomic.Bool
	pause  atomic.Bool
}

// NewStopSignal creates a signal with neither flag raised.
func NewStopSignal() *StopSignal { return new(StopSignal) }

// RequestCancel raises the cancellation flag. Idempotent.
func (s *StopSignal) RequestCancel() { s.cancel.Store(true) }

// CancelRequested reports whether cancellation has been requested.
func (s *StopSignal) CancelRequested() bool { return s.cancel.Load() }

// RequestPause asks the worker to stop at the next row boundary. Idempotent.
func (s *StopSignal) RequestPause() { s.pause.Store(true) }

// ClearPause lowers the pause flag so a resumed worker runs past the next
// row boundary.
func (s *StopSignal) ClearPause() { s.pause.Store(false) }

// PauseRequested reports whether a pause has been requested.
func (s *StopSignal) PauseRequested() bool { return s.pause.Load() }
