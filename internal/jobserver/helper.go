package jobserver

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
)

const (
	stopPollInterval = 10 * time.Millisecond
	stopPollAttempts = 100
)

// HelperState tracks a helper's shutdown. States advance strictly in order.
type HelperState int

const (
	HelperRunning HelperState = iota
	HelperProducerDone
	HelperConsumerDone
	HelperJoined
)

func (s HelperState) String() string {
	switch s {
	case HelperRunning:
		return "running"
	case HelperProducerDone:
		return "producer-done"
	case HelperConsumerDone:
		return "consumer-done"
	case HelperJoined:
		return "joined"
	default:
		return fmt.Sprintf("HelperState(%d)", int(s))
	}
}

// Helper turns blocking acquisition into callbacks for callers that cannot
// block their own goroutine. Each RequestToken results in exactly one call
// of the callback, with a token or an error, unless the helper is stopped
// first.
type Helper struct {
	client *Client
	fn     func(*Token, error)

	mu           sync.Mutex
	cond         *sync.Cond
	requests     int
	producerDone bool
	consumerDone bool
	state        HelperState

	cancel   context.CancelFunc
	consumed chan struct{}
	exited   chan struct{}
}

// IntoHelper starts a helper goroutine that delivers tokens from c to fn.
// fn runs on the helper goroutine and owns every token it receives.
func (c *Client) IntoHelper(fn func(*Token, error)) (*Helper, error) {
	if fn == nil {
		return nil, errors.New("jobserver: helper callback is nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Helper{
		client:   c,
		fn:       fn,
		cancel:   cancel,
		consumed: make(chan struct{}),
		exited:   make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	go h.run(ctx)
	return h, nil
}

// RequestToken asks the helper to acquire one more token.
func (h *Helper) RequestToken() {
	h.mu.Lock()
	h.requests++
	h.mu.Unlock()
	h.cond.Signal()
}

// State returns the shutdown state.
func (h *Helper) State() HelperState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Helper) run(ctx context.Context) {
	defer close(h.exited)
	defer func() {
		h.mu.Lock()
		h.consumerDone = true
		h.state = HelperConsumerDone
		h.mu.Unlock()
		close(h.consumed)
	}()

	for h.nextRequest() {
		h.serve(ctx)
	}
}

// nextRequest waits for a pending request and claims it. It returns false
// once the owner has stopped the helper.
func (h *Helper) nextRequest() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.requests == 0 && !h.producerDone {
		h.cond.Wait()
	}
	if h.producerDone {
		return false
	}
	h.requests--
	return true
}

func (h *Helper) serve(ctx context.Context) {
	for {
		tok, err := h.client.acquireAllowInterrupts(ctx)
		switch {
		case tok != nil:
			h.fn(tok, nil)
			return
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			h.fn(nil, err)
			return
		}
		if h.stopping() {
			return
		}
	}
}

func (h *Helper) stopping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.producerDone
}

// Stop tells the helper no more requests will come, wakes it if it is
// blocked in an acquire, and waits a bounded time for it to exit. It returns
// false if the goroutine did not confirm in time; that goroutine is leaked
// rather than forced.
func (h *Helper) Stop() bool {
	h.mu.Lock()
	if h.state == HelperJoined {
		h.mu.Unlock()
		return true
	}
	if !h.producerDone {
		h.producerDone = true
		h.state = HelperProducerDone
	}
	h.mu.Unlock()
	h.cond.Broadcast()
	h.cancel()

	if !h.waitConsumer() {
		return false
	}
	<-h.exited

	h.mu.Lock()
	h.state = HelperJoined
	h.mu.Unlock()
	return true
}

func (h *Helper) waitConsumer() bool {
	timer := time.NewTimer(stopPollInterval)
	defer timer.Stop()
	for range stopPollAttempts {
		select {
		case <-h.consumed:
			return true
		case <-timer.C:
			timer.Reset(stopPollInterval)
			runtime.Gosched()
		}
	}
	select {
	case <-h.consumed:
		return true
	default:
		return false
	}
}
