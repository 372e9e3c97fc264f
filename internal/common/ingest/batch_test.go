package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clock "k8s.io/utils/clock/testing"
)

const (
	defaultMaxItems   = 3
	defaultMaxTimeOut = 5 * time.Second
)

type recorder struct {
	mu     sync.Mutex
	output [][]int
}

func (r *recorder) record(a []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = append(r.output, a)
}

func (r *recorder) get() [][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]int{}, r.output...)
}

func TestBatch_MaxItems(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	testClock := clock.NewFakeClock(time.Now())
	inputChan := make(chan int)
	rec := &recorder{}
	batcher := NewBatcher[int](inputChan, defaultMaxItems, defaultMaxTimeOut, rec.record).WithClock(testClock)
	go batcher.Run(ctx)

	// Post 6 items without advancing the clock; we should get exactly two full batches
	for i := 1; i <= 6; i++ {
		inputChan <- i
	}
	assert.Eventually(t, func() bool { return len(rec.get()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}}, rec.get())
}

func TestBatch_Time(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	testClock := clock.NewFakeClock(time.Now())
	inputChan := make(chan int)
	rec := &recorder{}
	batcher := NewBatcher[int](inputChan, defaultMaxItems, defaultMaxTimeOut, rec.record).WithClock(testClock)
	go batcher.Run(ctx)

	inputChan <- 1
	inputChan <- 2
	assert.Eventually(t, testClock.HasWaiters, 5*time.Second, time.Millisecond)
	testClock.Step(defaultMaxTimeOut)
	assert.Eventually(t, func() bool { return len(rec.get()) == 1 }, 5*time.Second, 10*time.Millisecond)

	inputChan <- 3
	inputChan <- 4
	assert.Eventually(t, testClock.HasWaiters, 5*time.Second, time.Millisecond)
	testClock.Step(defaultMaxTimeOut)
	assert.Eventually(t, func() bool { return len(rec.get()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]int{{1, 2}, {3, 4}}, rec.get())
}

func TestBatch_FlushOnClose(t *testing.T) {
	inputChan := make(chan int, 2)
	rec := &recorder{}
	batcher := NewBatcher[int](inputChan, defaultMaxItems, defaultMaxTimeOut, rec.record).WithClock(clock.NewFakeClock(time.Now()))
	inputChan <- 7
	inputChan <- 8
	close(inputChan)
	batcher.Run(context.Background())
	assert.Equal(t, [][]int{{7, 8}}, rec.get())
}

func TestBatch_NoEmptyBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	testClock := clock.NewFakeClock(time.Now())
	rec := &recorder{}
	batcher := NewBatcher[int](make(chan int), defaultMaxItems, defaultMaxTimeOut, rec.record).WithClock(testClock)
	done := make(chan struct{})
	go func() {
		batcher.Run(ctx)
		close(done)
	}()
	for i := 0; i < 3; i++ {
		assert.Eventually(t, testClock.HasWaiters, 5*time.Second, time.Millisecond)
		testClock.Step(defaultMaxTimeOut)
	}
	cancel()
	<-done
	assert.Empty(t, rec.get())
}
