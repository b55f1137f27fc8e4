package uci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
)

type PoolConfig struct {
	BinaryPath string
	// PerOptionCapacity bounds live processes per distinct Options value.
	PerOptionCapacity int
}

// Pool keeps warm engine processes bucketed by their setoption values.
type Pool struct {
	binaryPath string
	capacity   int

	mu      sync.Mutex
	buckets map[Options]*bucket
	owners  map[*Proc]*bucket
	closed  bool
}

var (
	errBucketFull = errors.New("engine bucket at capacity")
	ErrPoolClosed = errors.New("engine pool closed")
)

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.BinaryPath == "" {
		return nil, fmt.Errorf("binary path required")
	}
	if _, err := os.Stat(cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("engine binary check: %w", err)
	}
	capacity := cfg.PerOptionCapacity
	if capacity <= 0 {
		capacity = min(max(runtime.NumCPU(), 2), 4)
	}
	return &Pool{
		binaryPath: cfg.BinaryPath,
		capacity:   capacity,
		buckets:    make(map[Options]*bucket),
		owners:     make(map[*Proc]*bucket),
	}, nil
}

// Acquire returns an idle process for opt, starting one when under capacity,
// otherwise waiting for a release or ctx.
func (p *Pool) Acquire(ctx context.Context, opt Options) (*Proc, error) {
	b, err := p.bucketFor(opt)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case proc := <-b.idle:
			if proc.EnsureReady(ctx) != nil {
				b.discard(proc)
				continue
			}
			p.track(proc, b)
			return proc, nil
		default:
		}

		proc, err := b.start(ctx, p.binaryPath)
		if err == nil {
			p.track(proc, b)
			return proc, nil
		}
		if !errors.Is(err, errBucketFull) {
			return nil, err
		}

		select {
		case proc := <-b.idle:
			if proc.EnsureReady(ctx) != nil {
				b.discard(proc)
				continue
			}
			p.track(proc, b)
			return proc, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release hands proc back. A non-nil err means the process may be in an unknown state and is discarded.
func (p *Pool) Release(proc *Proc, err error) {
	if proc == nil {
		return
	}
	p.mu.Lock()
	b, ok := p.owners[proc]
	delete(p.owners, proc)
	closed := p.closed
	p.mu.Unlock()

	if !ok {
		_ = proc.Close()
		return
	}
	if err != nil || closed || !b.put(proc) {
		b.discard(proc)
	}
}

func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	var errs []error
	for _, b := range buckets {
	drain:
		for {
			select {
			case proc := <-b.idle:
				if err := proc.Close(); err != nil {
					errs = append(errs, err)
				}
				b.decrement()
			default:
				break drain
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) track(proc *Proc, b *bucket) {
	p.mu.Lock()
	p.owners[proc] = b
	p.mu.Unlock()
}

func (p *Pool) bucketFor(opt Options) (*bucket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	b, ok := p.buckets[opt]
	if !ok {
		b = &bucket{opt: opt, capacity: p.capacity, idle: make(chan *Proc, p.capacity)}
		p.buckets[opt] = b
	}
	return b, nil
}

type bucket struct {
	opt      Options
	capacity int

	mu    sync.Mutex
	total int
	idle  chan *Proc
}

func (b *bucket) start(ctx context.Context, binaryPath string) (*Proc, error) {
	b.mu.Lock()
	if b.total >= b.capacity {
		b.mu.Unlock()
		return nil, errBucketFull
	}
	b.total++
	b.mu.Unlock()

	proc, err := Start(ctx, binaryPath, b.opt)
	if err != nil {
		b.decrement()
		return nil, err
	}
	return proc, nil
}

func (b *bucket) put(proc *Proc) bool {
	select {
	case b.idle <- proc:
		return true
	default:
		return false
	}
}

func (b *bucket) discard(proc *Proc) {
	_ = proc.Close()
	b.decrement()
}

func (b *bucket) decrement() {
	b.mu.Lock()
	if b.total > 0 {
		b.total--
	}
	b.mu.Unlock()
}
