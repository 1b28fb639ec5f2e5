// Package mapreduce runs map-reduce computations on a topicbus Bus using
// nothing but Subscribe and Publish. Every job key is a topic; its reducer is
// an ordinary subscriber that folds payloads into a private accumulator.
package mapreduce

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	runtimepkg "github.com/drblury/topicbus/internal/runtime"
	errspkg "github.com/drblury/topicbus/internal/runtime/errors"
	handlerpkg "github.com/drblury/topicbus/internal/runtime/handlers"
	loggingpkg "github.com/drblury/topicbus/internal/runtime/logging"
)

var (
	ErrJobInvalid          = errspkg.ErrJobInvalid
	ErrUnknownPartitionKey = errspkg.ErrUnknownPartitionKey
)

// Job describes one map-reduce computation over inputs of type T producing an
// accumulator of type A per key.
type Job[T, A any] struct {
	// Keys are the reduction topics, known before the run starts.
	Keys []string
	// Partition maps an input to one of Keys.
	Partition func(T) string
	// Init returns the starting accumulator of key. Nil means the zero A.
	Init func(key string) A
	// Reduce folds v into acc.
	Reduce func(acc A, v T) A

	// Workers is the number of goroutines publishing inputs. Values up to 1
	// publish sequentially from the calling goroutine.
	Workers int
	// TopicPrefix is prepended to every key so several jobs can share a bus.
	TopicPrefix string
	// Async publishes through PublishAsync and waits for every sweep before
	// reading the accumulators. Workers is ignored.
	Async bool
}

// Result holds the accumulators of a finished run.
type Result[A any] struct {
	Values    map[string]A
	Published int
	// Faults are the reducer invocations that panicked or failed. The affected
	// inputs are missing from Values. Faults of other subscribers on the job
	// topics are not included.
	Faults []*errspkg.SubscriberFault
}

// Get returns the accumulator of key.
func (r Result[A]) Get(key string) A {
	return r.Values[key]
}

func (j Job[T, A]) validate() error {
	if len(j.Keys) == 0 {
		return fmt.Errorf("%w: at least one key is required", ErrJobInvalid)
	}
	if j.Partition == nil {
		return fmt.Errorf("%w: partition function is required", ErrJobInvalid)
	}
	if j.Reduce == nil {
		return fmt.Errorf("%w: reduce function is required", ErrJobInvalid)
	}
	seen := make(map[string]struct{}, len(j.Keys))
	for _, key := range j.Keys {
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate key %q", ErrJobInvalid, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

type reducer[T, A any] struct {
	mu  sync.Mutex
	acc A
}

type run[T, A any] struct {
	job      Job[T, A]
	bus      *runtimepkg.Bus
	reducers map[string]*reducer[T, A]
	// entries holds the registry entry IDs of the reducers.
	entries map[string]struct{}

	published atomic.Int64
	faultsMu  sync.Mutex
	faults    []*errspkg.SubscriberFault
}

// Run executes job on bus. Reducers are subscribed before the first input is
// published and unsubscribed before Run returns. Run fails when a partition
// key is not one of job.Keys or ctx ends before every input was published.
func Run[T, A any](ctx context.Context, bus *runtimepkg.Bus, job Job[T, A], inputs []T) (Result[A], error) {
	if bus == nil {
		return Result[A]{}, errspkg.ErrBusRequired
	}
	if err := job.validate(); err != nil {
		return Result[A]{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r := &run[T, A]{
		job:      job,
		bus:      bus,
		reducers: make(map[string]*reducer[T, A], len(job.Keys)),
		entries:  make(map[string]struct{}, len(job.Keys)),
	}
	ids, err := r.subscribe()
	defer func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}()
	if err != nil {
		return Result[A]{}, err
	}

	switch {
	case job.Async:
		err = r.publishAsync(ctx, inputs)
	case job.Workers > 1:
		err = r.publishParallel(ctx, inputs)
	default:
		err = r.publishSequential(ctx, inputs)
	}
	if err != nil {
		return Result[A]{}, err
	}

	res := Result[A]{
		Values:    make(map[string]A, len(r.reducers)),
		Published: int(r.published.Load()),
		Faults:    r.faults,
	}
	for key, red := range r.reducers {
		red.mu.Lock()
		res.Values[key] = red.acc
		red.mu.Unlock()
	}

	bus.Logger.Debug("Map-reduce job finished", loggingpkg.LogFields{
		"keys":      job.Keys,
		"published": res.Published,
		"faults":    len(res.Faults),
	})
	return res, nil
}

func (r *run[T, A]) subscribe() ([]runtimepkg.SubscriptionID, error) {
	ids := make([]runtimepkg.SubscriptionID, 0, len(r.job.Keys))
	for _, key := range r.job.Keys {
		red := &reducer[T, A]{}
		if r.job.Init != nil {
			red.acc = r.job.Init(key)
		}
		r.reducers[key] = red

		topic := r.job.TopicPrefix + key
		id, err := handlerpkg.SubscribeErr(r.bus, []string{topic}, func(_ context.Context, v T) error {
			red.mu.Lock()
			defer red.mu.Unlock()
			red.acc = r.job.Reduce(red.acc, v)
			return nil
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
		for _, info := range r.bus.Subscriptions(topic) {
			if info.Group == id {
				r.entries[string(info.ID)] = struct{}{}
			}
		}
	}
	return ids, nil
}

func (r *run[T, A]) topicFor(v T) (string, error) {
	key := r.job.Partition(v)
	if _, ok := r.reducers[key]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPartitionKey, key)
	}
	return r.job.TopicPrefix + key, nil
}

func (r *run[T, A]) collect(report runtimepkg.Report) {
	r.published.Add(1)
	for _, fault := range report.Faults {
		if _, ours := r.entries[fault.SubscriptionID]; !ours {
			continue
		}
		r.faultsMu.Lock()
		r.faults = append(r.faults, fault)
		r.faultsMu.Unlock()
	}
}

func (r *run[T, A]) publishSequential(ctx context.Context, inputs []T) error {
	for _, v := range inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		topic, err := r.topicFor(v)
		if err != nil {
			return err
		}
		r.collect(r.bus.PublishContext(ctx, topic, v))
	}
	return nil
}

func (r *run[T, A]) publishParallel(ctx context.Context, inputs []T) error {
	g, gctx := errgroup.WithContext(ctx)
	for chunk := range slices.Chunk(inputs, chunkSize(len(inputs), r.job.Workers)) {
		g.Go(func() error {
			for _, v := range chunk {
				if err := gctx.Err(); err != nil {
					return err
				}
				topic, err := r.topicFor(v)
				if err != nil {
					return err
				}
				r.collect(r.bus.PublishContext(gctx, topic, v))
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *run[T, A]) publishAsync(ctx context.Context, inputs []T) error {
	pending := make([]*runtimepkg.Pending, 0, len(inputs))
	var dispatchErr error
	for _, v := range inputs {
		if err := ctx.Err(); err != nil {
			dispatchErr = err
			break
		}
		topic, err := r.topicFor(v)
		if err != nil {
			dispatchErr = err
			break
		}
		pending = append(pending, r.bus.PublishAsync(ctx, topic, v))
	}

	// Every dispatched sweep is awaited, even after a dispatch error, so no
	// reducer runs after Run has returned.
	for _, p := range pending {
		<-p.Done()
		report, _ := p.Wait(context.Background())
		if report.Err != nil {
			if dispatchErr == nil {
				dispatchErr = report.Err
			}
			continue
		}
		r.collect(report)
	}
	return dispatchErr
}

func chunkSize(n, workers int) int {
	if n == 0 {
		return 1
	}
	return max(1, (n+workers-1)/workers)
}
