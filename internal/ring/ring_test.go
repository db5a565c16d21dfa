package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushPopRoundTrip(t *testing.T) {
	r := Open(64)
	require.NoError(t, r.Push(1, []byte("hello")))
	msg, err := r.Pop()
	require.NoError(t, err)
	require.Equal(t, byte(1), msg.Type)
	require.Equal(t, "hello", string(msg.Payload))
}

func TestPopEmpty(t *testing.T) {
	r := Open(64)
	_, err := r.Pop()
	require.ErrorIs(t, err, ErrEmpty)
}

func TestPushTooLarge(t *testing.T) {
	r := Open(16)
	err := r.Push(1, make([]byte, 64))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestPushFullBackpressure(t *testing.T) {
	r := Open(16)
	// Fill until it reports full rather than silently corrupting state.
	var pushed int
	for i := 0; i < 100; i++ {
		if err := r.Push(1, []byte("x")); err != nil {
			require.ErrorIs(t, err, ErrFull)
			break
		}
		pushed++
	}
	require.Greater(t, pushed, 0)
	require.Less(t, pushed, 100)
}

func TestWraparoundPreservesBoundaries(t *testing.T) {
	r := Open(32)
	for i := 0; i < 50; i++ {
		payload := []byte{byte(i), byte(i + 1)}
		require.NoError(t, r.Push(byte(i%200), payload))
		msg, err := r.Pop()
		require.NoError(t, err)
		require.Equal(t, payload, msg.Payload)
	}
}

func TestConcurrentSingleProducerSingleConsumer(t *testing.T) {
	r := Open(256)
	const n = 5000
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for r.Push(byte(i%256), []byte{byte(i)}) == ErrFull {
			}
		}
	}()

	go func() {
		defer wg.Done()
		got := 0
		for got < n {
			if _, err := r.Pop(); err == nil {
				got++
			}
		}
	}()

	wg.Wait()
}
