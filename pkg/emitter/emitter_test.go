package emitter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrationOrder(t *testing.T) {
	var e Emitter[int]
	var got []string
	e.On(func(v int) { got = append(got, "a") })
	e.On(func(v int) { got = append(got, "b") })
	e.On(func(v int) { got = append(got, "c") })

	e.Emit(1)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestReentrantEmitIsDeferred(t *testing.T) {
	var e Emitter[int]
	var got []string
	e.On(func(v int) {
		got = append(got, "first:"+string(rune('0'+v)))
		if v == 1 {
			e.Emit(2)
		}
	})
	e.On(func(v int) {
		got = append(got, "second:"+string(rune('0'+v)))
	})

	e.Emit(1)
	assert.Equal(t, []string{"first:1", "second:1", "first:2", "second:2"}, got)
}

func TestOff(t *testing.T) {
	var e Emitter[string]
	var a, b int
	offA := e.On(func(string) { a++ })
	e.On(func(string) { b++ })

	e.Emit("x")
	offA()
	offA()
	e.Emit("y")

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, e.Len())
}

func TestOffDuringDelivery(t *testing.T) {
	var e Emitter[int]
	var second int
	var offSecond func()
	e.On(func(int) { offSecond() })
	offSecond = e.On(func(int) { second++ })

	e.Emit(1)
	assert.Equal(t, 0, second)
}

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	t.Setenv("DEBUG", "1")
	var e Emitter[int]
	var got []int
	e.On(func(int) { panic("boom") })
	e.On(func(v int) { got = append(got, v) })

	e.Emit(1)
	e.Emit(2)
	assert.Equal(t, []int{1, 2}, got)
}

func TestConcurrentEnqueueKeepsCommitOrder(t *testing.T) {
	var e Emitter[int]
	var mu sync.Mutex
	var committed, delivered []int
	e.On(func(v int) { delivered = append(delivered, v) })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mu.Lock()
			committed = append(committed, i)
			e.Enqueue(i)
			mu.Unlock()
			e.Drain()
		}(i)
	}
	wg.Wait()
	e.Drain()

	require.Len(t, delivered, 50)
	assert.Equal(t, committed, delivered)
}
