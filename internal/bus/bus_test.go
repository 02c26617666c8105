package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitOrder(t *testing.T) {
	b := New()
	var got []int
	b.On("data", func(any) { got = append(got, 1) })
	b.On("data", func(any) { got = append(got, 2) })
	b.On("other", func(any) { got = append(got, 99) })

	b.Emit("data", nil)
	assert.Equal(t, []int{1, 2}, got, "handlers run in registration order")
}

func TestOff(t *testing.T) {
	b := New()
	calls := 0
	id := b.On("exit", func(any) { calls++ })
	b.Emit("exit", nil)
	b.Off(id)
	b.Emit("exit", nil)
	assert.Equal(t, 1, calls)
}

func TestOnce(t *testing.T) {
	b := New()
	calls := 0
	b.Once("provider-session-id", func(any) { calls++ })
	b.Emit("provider-session-id", "p1")
	b.Emit("provider-session-id", "p2")
	assert.Equal(t, 1, calls)
}

func TestRemoveAll(t *testing.T) {
	b := New()
	b.On("a", func(any) { t.Fatal("should not run") })
	b.On("b", func(any) { t.Fatal("should not run") })
	b.RemoveAll()
	b.Emit("a", nil)
	b.Emit("b", nil)
	assert.Zero(t, b.HandlerCount(""))
}

func TestPanicDoesNotStopChain(t *testing.T) {
	b := New()
	ran := false
	b.On("event", func(any) { panic("handler bug") })
	b.On("event", func(any) { ran = true })
	b.Emit("event", nil)
	assert.True(t, ran, "second handler must still run after a panic")
}

func TestConcurrentEmitSerialised(t *testing.T) {
	b := New()
	var mu sync.Mutex
	count := 0
	b.On("tick", func(any) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Emit("tick", nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, count)
}

func TestSubscribeFromHandler(t *testing.T) {
	b := New()
	added := false
	b.On("first", func(any) {
		b.On("second", func(any) { added = true })
	})
	b.Emit("first", nil)
	b.Emit("second", nil)
	assert.True(t, added)
}
