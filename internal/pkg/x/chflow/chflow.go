// Package chflow provides context-aware channel helpers. Receives, sends,
// and pumps all respect cancellation via context.Context, so pipeline
// goroutines never outlive their owner.
package chflow

import "context"

// Receive waits for a value from ch or for ctx to be canceled. The boolean
// is false when the context ended or the channel closed; the value is the
// zero value in that case.
func Receive[T any](ctx context.Context, ch <-chan T) (T, bool) {
	var data T
	select {
	case <-ctx.Done():
		return data, false
	case data, ok := <-ch:
		return data, ok
	}
}

// Send delivers data to ch unless ctx is canceled first, reporting whether
// the send happened.
func Send[T any](ctx context.Context, ch chan<- T, data T) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- data:
		return true
	}
}

// Pump forwards every value from src to dst until src closes or ctx is
// canceled. It is meant to run on its own goroutine and funnel several
// producers into one consumer channel.
func Pump[T any](ctx context.Context, src <-chan T, dst chan<- T) {
	for {
		data, ok := Receive(ctx, src)
		if !ok {
			return
		}
		if !Send(ctx, dst, data) {
			return
		}
	}
}
