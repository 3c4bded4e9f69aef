package broadcast

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](c <-chan T) []T {
	var out []T
	for {
		select {
		case v, ok := <-c:
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := New[int]()
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)

	b.Publish(1)
	b.Publish(2)

	assert.Equal(t, []int{1, 2}, drain(s1.C))
	assert.Equal(t, []int{1, 2}, drain(s2.C))
}

func TestBroadcaster_DropOldest(t *testing.T) {
	var drops atomic.Int32
	b := New[int]()
	b.OnDrop = func() { drops.Add(1) }
	sub := b.Subscribe(3)

	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}

	assert.Equal(t, []int{3, 4, 5}, drain(sub.C))
	assert.Equal(t, int32(2), drops.Load())
}

func TestBroadcaster_SlowConsumerDoesNotBlock(t *testing.T) {
	b := New[int]()
	_ = b.Subscribe(1)
	fast := b.Subscribe(1000)

	for i := 0; i < 1000; i++ {
		b.Publish(i)
	}
	assert.Len(t, drain(fast.C), 1000)
}

func TestSubscription_CancelIdempotent(t *testing.T) {
	b := New[string]()
	sub := b.Subscribe(0)
	require.Equal(t, 1, b.Len())

	sub.Cancel()
	sub.Cancel()
	assert.Equal(t, 0, b.Len())

	_, ok := <-sub.C
	assert.False(t, ok)

	b.Publish("after cancel")
}

func TestBroadcaster_ConcurrentPublishCancel(t *testing.T) {
	b := New[int]()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		sub := b.Subscribe(2)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(j)
			}
			sub.Cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Len())
}
