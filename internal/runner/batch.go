package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/jobcell/internal/events"
	"github.com/mattjoyce/jobcell/internal/jobserver"
)

// BatchResult is one task's outcome within RunBatch. Err is set when the
// task could not run or its token could not be returned.
type BatchResult struct {
	Result
	Err error
}

// RunBatch executes tasks with as much concurrency as the pool allows. The
// first task runs on the implicit slot, so an empty pool still makes
// progress; every further task is started by a token delivered through a
// jobserver helper or by the implicit slot coming free, whichever is first.
// Results are returned in task order.
func (r *Runner) RunBatch(ctx context.Context, tasks []Task) []BatchResult {
	out := make([]BatchResult, len(tasks))
	if len(tasks) == 0 {
		return out
	}
	if r.client == nil {
		for i := range out {
			out[i].Err = ErrNoClient
		}
		return out
	}

	// A nil grant is the implicit slot. At most one nil and len(tasks)-1
	// tokens are ever queued.
	grants := make(chan *jobserver.Token, len(tasks))
	grants <- nil

	var helper *jobserver.Helper
	if len(tasks) > 1 {
		h, err := r.client.IntoHelper(func(tok *jobserver.Token, err error) {
			if err != nil {
				r.logger.Warn("token request failed", "error", err)
				return
			}
			grants <- tok
		})
		if err != nil {
			r.logger.Warn("token helper unavailable, running on the implicit slot only", "error", err)
		} else {
			helper = h
			for range len(tasks) - 1 {
				helper.RequestToken()
			}
		}
	}

	var wg sync.WaitGroup
	next := 0
dispatch:
	for ; next < len(tasks); next++ {
		var tok *jobserver.Token
		select {
		case tok = <-grants:
		case <-ctx.Done():
			break dispatch
		}

		id := uuid.NewString()
		if tok != nil {
			r.publishToken(events.TokenAcquired, id)
		}
		wg.Add(1)
		go func(i int, tok *jobserver.Token) {
			defer wg.Done()
			res, err := r.runReserved(ctx, id, tasks[i])
			if tok == nil {
				grants <- nil
			} else {
				err = errors.Join(err, r.release(id, tok))
			}
			out[i] = BatchResult{Result: res, Err: err}
		}(next, tok)
	}
	wg.Wait()

	for i := next; i < len(tasks); i++ {
		out[i] = BatchResult{
			Result: Result{ID: uuid.NewString()},
			Err:    fmt.Errorf("wait for token: %w", ctx.Err()),
		}
	}

	if helper != nil && !helper.Stop() {
		r.logger.Warn("token helper did not stop in time")
	}
	r.returnSurplus(grants)
	return out
}

// returnSurplus releases tokens that arrived after the last task started.
func (r *Runner) returnSurplus(grants chan *jobserver.Token) {
	for {
		select {
		case tok := <-grants:
			if tok == nil {
				continue
			}
			if err := r.client.Release(tok); err != nil {
				r.logger.Error("surplus token release failed", "error", err)
			}
		default:
			return
		}
	}
}
