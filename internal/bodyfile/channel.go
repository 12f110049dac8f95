// Package bodyfile implements the Body-File Bridge: the brain,
// network, and user_io request/response channels a cyber process uses
// to reach outside its sandbox, per spec.md §4.2.
package bodyfile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrAborted is returned to a waiter whose request was in flight when
// the owning cyber was terminated, per spec.md §4.2's cancellation
// rule.
var ErrAborted = errors.New("bodyfile: request aborted")

// Handler processes one request and returns its response payload, or
// an error that becomes the response's error field.
type Handler func(ctx context.Context, requestID string, payload any) (any, error)

type job struct {
	requestID string
	payload   any
}

// RequestChannel is a FIFO request/response channel: a single
// dispatcher goroutine drains a submission queue in strict enqueue
// order, so responses are always delivered in the same order requests
// were submitted, per spec.md §4.2's ordering guarantee.
type RequestChannel struct {
	name    string
	handler Handler
	window  int

	mu      sync.Mutex
	queue   []job
	waiters map[string]chan result
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

type result struct {
	value any
	err   error
}

// NewRequestChannel returns a channel named name (brain|network|
// user_io) that dispatches to handler one request at a time, draining
// them in the order Submit was called. window is retained for call-site
// compatibility with spec.md's "bounded in-flight window" language; the
// dispatcher always processes strictly one request at a time so the
// ordering guarantee holds regardless of its value.
func NewRequestChannel(name string, window int, handler Handler) *RequestChannel {
	if window <= 0 {
		window = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &RequestChannel{
		name:    name,
		handler: handler,
		window:  window,
		waiters: make(map[string]chan result),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.dispatchLoop()
	return c
}

// Submit enqueues payload for processing and blocks until the response
// is ready, ctx is cancelled, or the channel is closed by Shutdown. A
// fresh request ID is generated for every call and returned; any ID the
// payload itself carries is not consulted.
func (c *RequestChannel) Submit(ctx context.Context, payload any) (requestID string, response any, err error) {
	requestID = uuid.NewString()

	ch := make(chan result, 1)
	c.mu.Lock()
	c.waiters[requestID] = ch
	c.queue = append(c.queue, job{requestID: requestID, payload: payload})
	c.mu.Unlock()
	c.signalWork()

	select {
	case r := <-ch:
		return requestID, r.value, r.err
	case <-ctx.Done():
		return requestID, nil, ctx.Err()
	case <-c.ctx.Done():
		return requestID, nil, ErrAborted
	}
}

func (c *RequestChannel) signalWork() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop is the single goroutine that owns handler invocation:
// it pops jobs off the queue strictly in FIFO order and runs them one
// at a time, so dispatch order, completion order, and response
// delivery order are all identical.
func (c *RequestChannel) dispatchLoop() {
	for {
		j, ok := c.nextJob()
		if !ok {
			select {
			case <-c.wake:
				continue
			case <-c.ctx.Done():
				c.abortQueued()
				return
			}
		}

		if c.ctx.Err() != nil {
			c.deliver(j.requestID, result{err: ErrAborted})
			continue
		}
		value, err := c.handler(c.ctx, j.requestID, j.payload)
		if c.ctx.Err() != nil {
			c.deliver(j.requestID, result{err: ErrAborted})
			continue
		}
		c.deliver(j.requestID, result{value: value, err: err})
	}
}

func (c *RequestChannel) nextJob() (job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return job{}, false
	}
	j := c.queue[0]
	c.queue = c.queue[1:]
	return j, true
}

// abortQueued delivers ErrAborted to every job still queued when the
// channel is shut down.
func (c *RequestChannel) abortQueued() {
	c.mu.Lock()
	remaining := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, j := range remaining {
		c.deliver(j.requestID, result{err: ErrAborted})
	}
}

func (c *RequestChannel) deliver(requestID string, r result) {
	c.mu.Lock()
	ch, ok := c.waiters[requestID]
	delete(c.waiters, requestID)
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- r
}

// Shutdown cancels every in-flight and future request on this channel;
// waiters still blocked in Submit receive ErrAborted, matching
// spec.md §4.2 and testable property 9.
func (c *RequestChannel) Shutdown() {
	c.cancel()
	c.signalWork()
}

// Name returns the body file's special name (brain|network|user_io).
func (c *RequestChannel) Name() string { return c.name }

// String implements fmt.Stringer for logging.
func (c *RequestChannel) String() string { return fmt.Sprintf("bodyfile.RequestChannel(%s)", c.name) }
