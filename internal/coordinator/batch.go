package coordinator

import (
	"context"
	"time"

	"github.com/cortexmemory/cortex/internal/facts"
)

// writeBatcher coalesces concurrent store() calls into fewer underlying
// StoreMany transactions: every fact in a batch still gets its own row
// and its own ledger entry, so batching changes only how many
// transactions are opened, never the one-entry-per-mutation contract.
type writeBatcher struct {
	repo     *facts.Repository
	flush    time.Duration
	maxOps   int
	requests chan storeRequest
	done     chan struct{}
}

type storeRequest struct {
	ctx    context.Context
	input  facts.StoreInput
	result chan storeResponse
}

type storeResponse struct {
	id  int64
	err error
}

func newWriteBatcher(repo *facts.Repository, flush time.Duration, maxOps int) *writeBatcher {
	if maxOps < 1 {
		maxOps = 100
	}
	if flush <= 0 {
		flush = 10 * time.Millisecond
	}
	b := &writeBatcher{
		repo:     repo,
		flush:    flush,
		maxOps:   maxOps,
		requests: make(chan storeRequest, maxOps*4),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

// Store enqueues in and blocks until the batch containing it has been
// committed (or failed), returning its assigned fact id.
func (b *writeBatcher) Store(ctx context.Context, in facts.StoreInput) (int64, error) {
	req := storeRequest{ctx: ctx, input: in, result: make(chan storeResponse, 1)}
	select {
	case b.requests <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case resp := <-req.result:
		return resp.id, resp.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (b *writeBatcher) run() {
	timer := time.NewTimer(b.flush)
	defer timer.Stop()
	var pending []storeRequest

	flushPending := func() {
		if len(pending) == 0 {
			return
		}
		inputs := make([]facts.StoreInput, len(pending))
		for i, r := range pending {
			inputs[i] = r.input
		}
		ids, err := b.repo.StoreMany(context.Background(), inputs)
		for i, r := range pending {
			if err != nil {
				r.result <- storeResponse{err: err}
				continue
			}
			r.result <- storeResponse{id: ids[i]}
		}
		pending = nil
	}

	for {
		select {
		case <-b.done:
			flushPending()
			return
		case req := <-b.requests:
			pending = append(pending, req)
			if len(pending) >= b.maxOps {
				flushPending()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(b.flush)
			}
		case <-timer.C:
			flushPending()
			timer.Reset(b.flush)
		}
	}
}

func (b *writeBatcher) Close() {
	close(b.done)
}
