package chflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReceive(t *testing.T) {
	t.Run("receives a buffered value", func(t *testing.T) {
		ch := make(chan int, 1)
		ch <- 42

		v, ok := Receive(t.Context(), ch)
		assert.True(t, ok)
		assert.Equal(t, 42, v)
	})

	t.Run("reports a closed channel", func(t *testing.T) {
		ch := make(chan int)
		close(ch)

		_, ok := Receive(t.Context(), ch)
		assert.False(t, ok)
	})

	t.Run("returns the zero value on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		v, ok := Receive(ctx, make(chan string))
		assert.False(t, ok)
		assert.Zero(t, v)
	})
}

func TestSend(t *testing.T) {
	t.Run("sends when the channel has room", func(t *testing.T) {
		ch := make(chan int, 1)
		assert.True(t, Send(t.Context(), ch, 7))
		assert.Equal(t, 7, <-ch)
	})

	t.Run("fails when the context is canceled first", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		assert.False(t, Send(ctx, make(chan int), 7))
	})

	t.Run("pump forwards until the source closes", func(t *testing.T) {
		src := make(chan int, 3)
		dst := make(chan int, 3)
		src <- 1
		src <- 2
		src <- 3
		close(src)

		Pump(t.Context(), src, dst)

		assert.Equal(t, 1, <-dst)
		assert.Equal(t, 2, <-dst)
		assert.Equal(t, 3, <-dst)
	})

	t.Run("pump stops on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			Pump(ctx, make(chan int), make(chan int))
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("pump did not stop on cancellation")
		}
	})

	t.Run("unblocks a waiting receiver", func(t *testing.T) {
		ch := make(chan int)
		done := make(chan struct{})

		go func() {
			defer close(done)
			v, ok := Receive(context.Background(), ch)
			assert.True(t, ok)
			assert.Equal(t, 9, v)
		}()

		assert.True(t, Send(t.Context(), ch, 9))

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("receiver never observed the value")
		}
	})
}
