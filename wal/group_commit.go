package wal

import (
	"sync"
	"time"
)

// CommitRequest represents a pending fsync request for a given CommitId.
type CommitRequest struct {
	CommitId CommitId
	Response chan error
}

// GroupCommitter reduces disk I/O overhead by batching multiple append
// acknowledgements into a single fsync call via one append-and-fsync
// critical section.
//
// How it works:
//  1. Appenders request an ack by sending a request to the channel.
//  2. The background goroutine collects requests into a batch.
//  3. The batch is flushed when:
//     - The batch size limit is reached.
//     - The timeout triggers (latency bound).
//     - The incoming channel is empty (immediate flush for low load).
//  4. A single WAL.Sync() is performed.
//  5. Every waiting appender in the batch is notified. No appender's
//     request is acknowledged before the shared fsync completes (R1).
type GroupCommitter struct {
	wal          *WAL
	requests     chan *CommitRequest
	batchSize    int
	batchTimeout time.Duration
	mu           sync.Mutex
	stopped      bool
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// NewGroupCommitter creates and starts a new group committer for wal.
func NewGroupCommitter(wal *WAL) *GroupCommitter {
	gc := &GroupCommitter{
		wal:          wal,
		requests:     make(chan *CommitRequest, 1000),
		batchSize:    100,
		batchTimeout: time.Millisecond * 10,
		stopChan:     make(chan struct{}),
	}

	gc.wg.Add(1)
	go gc.run()

	return gc
}

// Commit submits a fsync request and blocks until it has been durably
// flushed, or until the committer is stopped.
func (gc *GroupCommitter) Commit(id CommitId) error {
	gc.mu.Lock()
	if gc.stopped {
		gc.mu.Unlock()
		return ErrCommitterStopped
	}
	gc.mu.Unlock()

	req := &CommitRequest{
		CommitId: id,
		Response: make(chan error, 1),
	}

	select {
	case gc.requests <- req:
	case <-gc.stopChan:
		return ErrCommitterStopped
	}

	return <-req.Response
}

func (gc *GroupCommitter) run() {
	defer gc.wg.Done()

	var batch []*CommitRequest
	timer := time.NewTimer(gc.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case req := <-gc.requests:
			batch = append(batch, req)

			if len(batch) >= gc.batchSize || len(gc.requests) == 0 {
				gc.flushBatch(batch)
				batch = nil
				timer.Reset(gc.batchTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				gc.flushBatch(batch)
				batch = nil
			}
			timer.Reset(gc.batchTimeout)

		case <-gc.stopChan:
			if len(batch) > 0 {
				gc.flushBatch(batch)
			}
			return
		}
	}
}

func (gc *GroupCommitter) flushBatch(batch []*CommitRequest) {
	err := gc.wal.Sync()

	for _, req := range batch {
		req.Response <- err
	}
}

// Stop drains any pending batch, fsyncs it, then stops the committer.
func (gc *GroupCommitter) Stop() {
	gc.mu.Lock()
	if gc.stopped {
		gc.mu.Unlock()
		return
	}
	gc.stopped = true
	gc.mu.Unlock()

	close(gc.stopChan)
	gc.wg.Wait()
}

// ErrCommitterStopped is returned when a commit is requested after Stop.
var ErrCommitterStopped = &CommitError{msg: "group committer stopped"}

// CommitError represents a group-commit error.
type CommitError struct {
	msg string
}

func (e *CommitError) Error() string {
	return e.msg
}
