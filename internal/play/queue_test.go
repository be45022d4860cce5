package play

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := newStageQueue(16)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, q.post(item{run: func() { got = append(got, i) }}))
	}
	assert.Equal(t, 5, q.depth())

	for {
		it, ok := q.tryDequeue()
		if !ok {
			break
		}
		it.run()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Equal(t, 0, q.depth())
}

func TestQueueOverflow(t *testing.T) {
	q := newStageQueue(2)

	require.NoError(t, q.post(item{run: func() {}}))
	require.NoError(t, q.post(item{run: func() {}}))
	err := q.post(item{run: func() {}})
	require.ErrorIs(t, err, ErrQueueFull)

	// Draining one slot makes room again.
	_, ok := q.tryDequeue()
	require.True(t, ok)
	require.NoError(t, q.post(item{run: func() {}}))
}

func TestQueueCloseReturnsRemaining(t *testing.T) {
	q := newStageQueue(16)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.post(item{run: func() {}}))
	}

	rest := q.close()
	assert.Len(t, rest, 3)
	assert.Equal(t, 0, q.depth())

	err := q.post(item{run: func() {}})
	require.ErrorIs(t, err, ErrQueueClosed)

	// Closing twice hands back nothing.
	assert.Nil(t, q.close())
}

func TestQueueConcurrentPost(t *testing.T) {
	const producers = 8
	const perProducer = 500

	q := newStageQueue(producers * perProducer)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, q.post(item{run: func() {}}))
			}
		}()
	}
	wg.Wait()

	n := 0
	for {
		if _, ok := q.tryDequeue(); !ok {
			break
		}
		n++
	}
	assert.Equal(t, producers*perProducer, n)
}

func TestQueueCompactionKeepsOrder(t *testing.T) {
	q := newStageQueue(4096)

	next := 0
	want := 0
	// Interleave posts and dequeues so the head index crosses the
	// compaction threshold while items remain.
	for round := 0; round < 50; round++ {
		for i := 0; i < 40; i++ {
			v := next
			next++
			require.NoError(t, q.post(item{run: func() { require.Equal(t, want, v); want++ }}))
		}
		for i := 0; i < 35; i++ {
			it, ok := q.tryDequeue()
			require.True(t, ok)
			it.run()
		}
	}
	for {
		it, ok := q.tryDequeue()
		if !ok {
			break
		}
		it.run()
	}
	assert.Equal(t, next, want)
}
