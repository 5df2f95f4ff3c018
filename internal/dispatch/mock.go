package dispatch

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Mock records dispatches without launching anything.
type Mock struct {
	sessionCap time.Duration

	mu       sync.Mutex
	requests []Request
	err      error
}

func NewMock(sessionCap time.Duration) *Mock {
	return &Mock{sessionCap: sessionCap}
}

// FailWith makes every following Dispatch return err.
func (d *Mock) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *Mock) Strategy() string { return StrategyMock }

func (d *Mock) MaxSessionTime() time.Duration { return d.sessionCap }

func (d *Mock) Dispatch(ctx context.Context, req Request) (Handle, error) {
	select {
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	default:
	}
	if err := req.validate(); err != nil {
		return Handle{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return Handle{}, d.err
	}
	d.requests = append(d.requests, req)
	return Handle{Strategy: StrategyMock, ID: "mock-" + strconv.Itoa(len(d.requests))}, nil
}

// Requests returns a copy of every successful dispatch so far.
func (d *Mock) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request, len(d.requests))
	copy(out, d.requests)
	return out
}
