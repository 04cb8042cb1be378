package bolt

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// batch coalesces a run of Batch() calls into a single writable
// transaction. Each calling goroutine's fn is applied in order; if any fn
// in the batch returns an error, the whole transaction is rolled back, the
// failing call is taken out of the batch and re-run alone by its submitter,
// and the remaining calls are retried together.
type batch struct {
	db    *DB
	timer *time.Timer
	start sync.Once
	calls []call
}

type call struct {
	fn  func(*Tx) error
	err chan<- error
}

// trigger runs the batch if it hasn't already run.
func (b *batch) trigger() {
	b.start.Do(b.run)
}

// run performs the transaction.
func (b *batch) run() {
	b.db.batchMu.Lock()
	b.timer.Stop()

	// Make sure no new work is added to this batch, but don't break
	// other batches.
	if b.db.batch == b {
		b.db.batch = nil
	}
	b.db.batchMu.Unlock()

retry:
	for len(b.calls) > 0 {
		var failIdx = -1
		err := b.db.Update(func(tx *Tx) error {
			for i, c := range b.calls {
				if err := safelyCall(c.fn, tx); err != nil {
					failIdx = i
					return err
				}
			}
			return nil
		})

		if failIdx >= 0 {
			// Remove the failing call, tell its submitter to re-run it
			// alone, and retry the rest of the batch.
			c := b.calls[failIdx]
			b.calls[failIdx], b.calls = b.calls[len(b.calls)-1], b.calls[:len(b.calls)-1]
			c.err <- trySolo
			continue retry
		}

		for _, c := range b.calls {
			if c.err != nil {
				c.err <- err
			}
		}
		break retry
	}
}

// safelyCall invokes fn, catching a panic and returning it as an error so a
// misbehaving caller cannot wedge the rest of the batch.
func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("batch function panicked: %v", p)
		}
	}()
	return fn(tx)
}

// batchEnqueue joins fn onto the currently accumulating batch (or starts a
// new one), waking it after MaxBatchDelay or once MaxBatchSize calls have
// accumulated.
func (db *DB) batchEnqueue(fn func(*Tx) error) error {
	errCh := make(chan error, 1)

	db.batchMu.Lock()
	if (db.batch == nil) || (db.batch != nil && len(db.batch.calls) >= db.MaxBatchSize) {
		// There is no existing batch, or the existing one is full; start a
		// new one.
		db.batch = &batch{
			db: db,
		}
		db.batch.timer = time.AfterFunc(db.MaxBatchDelay, db.batch.trigger)
	}
	db.batch.calls = append(db.batch.calls, call{fn: fn, err: errCh})
	if len(db.batch.calls) >= db.MaxBatchSize {
		// Wake up immediately rather than waiting for the timer.
		go db.batch.trigger()
	}
	db.batchMu.Unlock()

	err := <-errCh
	if err == trySolo {
		err = db.Update(fn)
	}
	return err
}

// trySolo is the sentinel a batch sends to the submitter of a call whose fn
// failed inside the batch; the submitter then runs fn in its own
// transaction, so the error Batch returns is the one fn produces alone.
var trySolo = errors.New("batch function requested solo execution")
