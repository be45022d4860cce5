package play

import (
	"sync"
	"testing"
)

func benchItem() item {
	return item{run: func() {}}
}

// --- post benchmarks ---

// BenchmarkStageQueue_Post benchmarks enqueueing into a queue that is
// drained in lockstep. Expected: ~30-60ns (mutex + append).
func BenchmarkStageQueue_Post(b *testing.B) {
	b.ReportAllocs()
	q := newStageQueue(1 << 20)
	it := benchItem()

	b.ResetTimer()
	for bi := 0; bi < b.N; bi++ {
		_ = q.post(it)
		_, _ = q.tryDequeue()
	}
}

// BenchmarkStageQueue_Post_Concurrent benchmarks producers racing for the
// queue mutex while one goroutine drains.
// Expected: measures mutex contention under parallel load.
func BenchmarkStageQueue_Post_Concurrent(b *testing.B) {
	b.ReportAllocs()
	q := newStageQueue(1 << 20)
	it := benchItem()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, ok := q.tryDequeue(); !ok {
				continue
			}
		}
	}()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = q.post(it)
		}
	})
	b.StopTimer()
	close(stop)
	wg.Wait()
}

// BenchmarkStageQueue_DrainBatch benchmarks filling and fully draining a
// batch, the shape one drain pass sees under burst load.
// Expected: dominated by the compaction copy once head passes 64.
func BenchmarkStageQueue_DrainBatch(b *testing.B) {
	b.ReportAllocs()
	q := newStageQueue(1024)
	it := benchItem()

	b.ResetTimer()
	for bi := 0; bi < b.N; bi++ {
		for pi := 0; pi < 256; pi++ {
			_ = q.post(it)
		}
		for {
			if _, ok := q.tryDequeue(); !ok {
				break
			}
		}
	}
}
