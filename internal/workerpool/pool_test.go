package workerpool_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/coopsync/internal/workerpool"
)

func TestRunsSubmittedWork(t *testing.T) {
	p := workerpool.New(zap.NewNop())
	p.Start(4)
	defer p.Stop()

	var wg sync.WaitGroup
	var n atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		require.True(t, p.Submit(func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(50), n.Load())
	assert.Equal(t, 4, p.Workers())
}

func TestStopRejectsNewWork(t *testing.T) {
	p := workerpool.New(zap.NewNop())
	p.Start(1)
	p.Stop()
	assert.Equal(t, 0, p.Workers())
	assert.False(t, p.Submit(func() {}))
	assert.False(t, p.Submit(nil))
}

func TestResizePreservesQueuedWork(t *testing.T) {
	p := workerpool.New(zap.NewNop())
	p.Start(1)
	defer p.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, p.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	var wg sync.WaitGroup
	var n atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.True(t, p.Submit(func() {
			defer wg.Done()
			n.Add(1)
		}))
	}

	resized := make(chan struct{})
	go func() {
		p.Resize(3)
		close(resized)
	}()

	// Resize waits for the in-flight closure.
	select {
	case <-resized:
		t.Fatal("resize returned while work was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-resized

	wg.Wait()
	assert.Equal(t, int32(10), n.Load())
	assert.Equal(t, 3, p.Workers())
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := workerpool.New(zap.NewNop())
	p.Start(1)
	defer p.Stop()

	p.Submit(func() { panic("boom") })
	done := make(chan struct{})
	p.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestSubmitRejectedWhileResizing(t *testing.T) {
	p := workerpool.New(zap.NewNop())
	p.Start(1)
	defer p.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, p.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	resized := make(chan struct{})
	go func() {
		p.Resize(3)
		close(resized)
	}()

	// the resize waits on the blocked task, so its window stays open
	require.Eventually(t, func() bool { return !p.Submit(func() {}) }, time.Second, time.Millisecond)
	assert.False(t, p.Submit(func() {}))

	close(release)
	select {
	case <-resized:
	case <-time.After(2 * time.Second):
		t.Fatal("resize did not finish")
	}

	assert.Equal(t, 3, p.Workers())
	done := make(chan struct{})
	require.True(t, p.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("work submitted after resize did not run")
	}
}
