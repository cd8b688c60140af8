package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type eventItem struct {
	name string
}

func TestSliceQueue(t *testing.T) {
	assert := assert.New(t)

	t.Run("Empty Queue", func(t *testing.T) {
		q := NewSliceQueue[*eventItem](1)

		assert.True(q.IsEmpty())
		assert.Equal(0, q.Length())

		item, ok := q.Dequeue()
		assert.False(ok)
		assert.Nil(item)

		item, ok = q.Peek()
		assert.False(ok)
		assert.Nil(item)
	})

	t.Run("Enqueue and Dequeue", func(t *testing.T) {
		q := NewSliceQueue[*eventItem](1)

		item1 := &eventItem{"state"}
		item2 := &eventItem{"raw"}
		q.Enqueue(item1)
		q.Enqueue(item2)
		assert.Equal(2, q.Length())

		got, ok := q.Dequeue()
		assert.True(ok)
		assert.Same(item1, got)

		got, ok = q.Dequeue()
		assert.True(ok)
		assert.Same(item2, got)
		assert.True(q.IsEmpty())
	})

	t.Run("Peek", func(t *testing.T) {
		q := NewSliceQueue[int](1)
		q.Enqueue(7)
		q.Enqueue(8)

		v, ok := q.Peek()
		assert.True(ok)
		assert.Equal(7, v)
		assert.Equal(2, q.Length())
	})

	t.Run("Reset", func(t *testing.T) {
		q := NewSliceQueue[int](4)
		q.Enqueue(1)
		q.Enqueue(2)
		q.Reset()

		assert.True(q.IsEmpty())
		assert.Equal(0, q.Length())
	})

	t.Run("Order preserved across compaction", func(t *testing.T) {
		q := NewSliceQueue[int](0)
		next := 0
		for i := 0; i < 1000; i++ {
			q.Enqueue(i)
			if i%3 == 0 {
				v, ok := q.Dequeue()
				assert.True(ok)
				assert.Equal(next, v)
				next++
			}
		}

		for !q.IsEmpty() {
			v, _ := q.Dequeue()
			assert.Equal(next, v)
			next++
		}
		assert.Equal(1000, next)
	})
}
