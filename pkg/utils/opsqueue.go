package utils

import (
	"sync"

	"github.com/livekit/protocol/logger"
)

type OpsQueueParams struct {
	Name   string
	Size   int
	Logger logger.Logger
}

// OpsQueue runs enqueued closures one at a time in submission order on a
// single worker goroutine. Enqueue never blocks, the op is dropped with an
// error log when the queue is full.
type OpsQueue struct {
	params OpsQueueParams

	lock      sync.RWMutex
	ops       chan func()
	isStopped bool
}

func NewOpsQueue(params OpsQueueParams) *OpsQueue {
	return &OpsQueue{
		params: params,
		ops:    make(chan func(), params.Size),
	}
}

func (oq *OpsQueue) Start() {
	go oq.process()
}

func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return
	}

	oq.isStopped = true
	close(oq.ops)
	oq.lock.Unlock()
}

func (oq *OpsQueue) Enqueue(op func()) {
	oq.lock.RLock()
	if oq.isStopped {
		oq.lock.RUnlock()
		return
	}

	select {
	case oq.ops <- op:
	default:
		oq.params.Logger.Errorw("ops queue full", nil, "name", oq.params.Name, "size", oq.params.Size)
	}
	oq.lock.RUnlock()
}

func (oq *OpsQueue) process() {
	for op := range oq.ops {
		oq.run(op)
	}
}

// ops call out into caller-supplied code, a panic there must not kill the
// worker
func (oq *OpsQueue) run(op func()) {
	defer func() {
		if r := recover(); r != nil {
			oq.params.Logger.Errorw("ops queue op panicked", nil, "name", oq.params.Name, "panic", r)
		}
	}()
	op()
}
