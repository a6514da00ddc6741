package utils

import (
	"sync"
	"testing"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/stretchr/testify/require"
)

func TestOpsQueueOrder(t *testing.T) {
	oq := NewOpsQueue(OpsQueueParams{Name: "test", Size: 16, Logger: logger.GetLogger()})
	oq.Start()
	defer oq.Stop()

	var lock sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		oq.Enqueue(func() {
			lock.Lock()
			got = append(got, i)
			if len(got) == 5 {
				close(done)
			}
			lock.Unlock()
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ops did not run")
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestOpsQueueStopDropsLateOps(t *testing.T) {
	oq := NewOpsQueue(OpsQueueParams{Name: "test", Size: 16, Logger: logger.GetLogger()})
	oq.Start()
	oq.Stop()
	oq.Stop() // idempotent

	ran := make(chan struct{}, 1)
	oq.Enqueue(func() { ran <- struct{}{} })

	select {
	case <-ran:
		t.Fatal("op ran after stop")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOpsQueueSurvivesPanickingOp(t *testing.T) {
	oq := NewOpsQueue(OpsQueueParams{Name: "test", Size: 16, Logger: logger.GetLogger()})
	oq.Start()
	defer oq.Stop()

	ran := make(chan struct{})
	oq.Enqueue(func() { panic("op bug") })
	oq.Enqueue(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("worker died after panic")
	}
}
