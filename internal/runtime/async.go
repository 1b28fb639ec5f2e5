package runtime

import (
	"context"
	"sync"
)

// Pending is the handle of one PublishAsync sweep.
type Pending struct {
	done   chan struct{}
	report Report
}

// Done is closed once every subscriber has been attempted or the sweep was
// abandoned.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the sweep completes or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Report, error) {
	select {
	case <-p.done:
		return p.report, nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// PublishAsync runs the same ordered, fault-isolated sweep as Publish on a
// separate goroutine. When Config.AsyncConcurrency is set, sweeps wait for a
// free slot; a sweep whose ctx ends while waiting is abandoned and reports
// ctx.Err(). Once started, a sweep always runs to completion.
func (b *Bus) PublishAsync(ctx context.Context, topic string, payload any) *Pending {
	if ctx == nil {
		ctx = context.Background()
	}

	p := &Pending{done: make(chan struct{})}
	b.async.add()

	go func() {
		defer b.async.done()
		defer close(p.done)

		if b.asyncLimit != nil {
			if err := b.asyncLimit.Acquire(ctx, 1); err != nil {
				p.report = Report{Topic: topic, Err: err}
				return
			}
			defer b.asyncLimit.Release(1)
		}
		p.report = b.sweep(ctx, topic, payload, true)
	}()

	return p
}

// Drain waits until every async sweep started before or during the call has
// finished. It is a completion barrier; the bus stays usable afterwards.
func (b *Bus) Drain(ctx context.Context) error {
	for {
		idle := b.async.idle()
		select {
		case <-idle:
			if b.async.count() == 0 {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// inflight counts running async sweeps. idleCh is closed whenever the count
// drops to zero and replaced when it rises again. observe, when set, sees
// every new count while mu is held.
type inflight struct {
	mu      sync.Mutex
	n       int
	idleCh  chan struct{}
	observe func(n int)
}

func (f *inflight) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.idleCh = make(chan struct{})
	}
	f.n++
	if f.observe != nil {
		f.observe(f.n)
	}
}

func (f *inflight) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.observe != nil {
		f.observe(f.n)
	}
	if f.n == 0 {
		close(f.idleCh)
	}
}

func (f *inflight) idle() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		return closedChan
	}
	return f.idleCh
}

func (f *inflight) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}
