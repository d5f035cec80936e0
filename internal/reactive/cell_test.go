package reactive

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCell_ReadWrite(t *testing.T) {
	c := NewCell(1)
	assert.Equal(t, 1, c.Read())

	c.Write(2)
	assert.Equal(t, 2, c.Read())

	got := c.Update(func(v int) int { return v * 10 })
	assert.Equal(t, 20, got)
	assert.Equal(t, 20, c.Read())
}

func TestCell_SubscribeReceivesWritesInOrder(t *testing.T) {
	c := NewCell(0)

	var seen []int
	unsub := c.Subscribe(func(v int) { seen = append(seen, v) })
	defer unsub()

	for i := 1; i <= 5; i++ {
		c.Write(i)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, seen)
}

func TestCell_Unsubscribe(t *testing.T) {
	c := NewCell("a")

	calls := 0
	unsub := c.Subscribe(func(string) { calls++ })
	c.Write("b")
	unsub()
	unsub() // idempotent
	c.Write("c")

	assert.Equal(t, 1, calls)
}

func TestCell_WriteFromSubscriberIsQueued(t *testing.T) {
	c := NewCell(0)

	var seen []int
	c.Subscribe(func(v int) {
		if v == 1 {
			c.Write(2)
		}
	})
	c.Subscribe(func(v int) { seen = append(seen, v) })

	c.Write(1)

	// Both subscribers see 1 before anyone sees 2.
	assert.Equal(t, []int{1, 2}, seen)
	assert.Equal(t, 2, c.Read())
}

func TestCell_PanickingSubscriberDoesNotWedgeCell(t *testing.T) {
	c := NewCell(0)

	unsub := c.Subscribe(func(v int) {
		if v == 1 {
			panic("boom")
		}
	})
	require.Panics(t, func() { c.Write(1) })
	unsub()

	var seen []int
	c.Subscribe(func(v int) { seen = append(seen, v) })
	c.Write(2)
	assert.Equal(t, []int{2}, seen)
}

func TestCell_ConcurrentWritersDeliverEveryValue(t *testing.T) {
	c := NewCell(0)

	var mu sync.Mutex
	count := 0
	c.Subscribe(func(int) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Update(func(v int) int { return v + 1 })
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, c.Read())
	// The last active drainer empties the queue before its Update returns.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 50, count)
}

func TestCell_ModifySkipsUnchanged(t *testing.T) {
	c := NewCell(5)
	var got []int
	c.Subscribe(func(v int) { got = append(got, v) })

	v, changed := c.Modify(func(cur int) (int, bool) { return cur, false })
	assert.False(t, changed)
	assert.Equal(t, 5, v)

	v, changed = c.Modify(func(cur int) (int, bool) { return cur + 1, true })
	assert.True(t, changed)
	assert.Equal(t, 6, v)
	assert.Equal(t, []int{6}, got)
}
