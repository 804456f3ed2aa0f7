package tracker

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerRunsTasks(t *testing.T) {
	tr := New()

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		assert.True(t, tr.Go(func() { ran.Add(1) }))
	}

	tr.Close()
	tr.Wait()
	assert.Equal(t, int32(5), ran.Load())
}

func TestTrackerRejectsAfterClose(t *testing.T) {
	tr := New()
	tr.Close()

	assert.False(t, tr.Go(func() {
		t.Error("task ran after close")
	}))
	tr.Wait()
}

func TestTrackerWaitBlocksUntilDone(t *testing.T) {
	tr := New()

	release := make(chan struct{})
	done := make(chan struct{})
	tr.Go(func() {
		<-release
		close(done)
	})

	tr.Close()
	close(release)
	tr.Wait()

	select {
	case <-done:
	default:
		t.Fatal("Wait returned before the task finished")
	}
}
