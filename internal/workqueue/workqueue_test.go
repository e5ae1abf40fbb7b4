package workqueue

import (
	"sync"
	"testing"
)

func TestEnqueueRunsTaskSynchronously(t *testing.T) {
	q := New()
	ran := false
	q.Enqueue(func() { ran = true })
	if !ran {
		t.Fatal("expected task to run by the time Enqueue returns")
	}
}

func TestEnqueueFromWithinTaskDoesNotRecurse(t *testing.T) {
	q := New()
	var order []int
	q.Enqueue(func() {
		order = append(order, 1)
		q.Enqueue(func() { order = append(order, 2) })
		order = append(order, 3) // must run before the nested task
	})
	if len(order) != 3 || order[0] != 1 || order[1] != 3 || order[2] != 2 {
		t.Fatalf("expected [1 3 2], got %v", order)
	}
}

func TestOnQuiescentFiresAfterDrain(t *testing.T) {
	q := New()
	fired := 0
	q.OnQuiescent(func() { fired++ })

	q.Enqueue(func() {
		q.Enqueue(func() {})
	})
	if fired != 1 {
		t.Fatalf("expected quiescent callback once after full drain, got %d", fired)
	}
}

func TestDepthReflectsPendingTasks(t *testing.T) {
	q := New()
	if q.Depth() != 0 {
		t.Fatalf("expected empty queue, got depth %d", q.Depth())
	}
	q.Enqueue(func() {
		if q.Depth() != 0 {
			t.Fatalf("expected depth 0 mid-drain with nothing else enqueued, got %d", q.Depth())
		}
		q.Enqueue(func() {})
		if q.Depth() != 1 {
			t.Fatalf("expected depth 1 after nested enqueue, got %d", q.Depth())
		}
	})
}

func TestRunWaitsForTaskWhenAnotherGoroutineDrains(t *testing.T) {
	q := New()
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Enqueue(func() {
			close(started)
			<-release
		})
	}()

	<-started // the other goroutine is now mid-drain
	done := make(chan struct{})
	go func() {
		q.Run(func() {})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Run returned before the queued task could have executed")
	default:
	}

	close(release)
	<-done
	wg.Wait()
}
