package vector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/kanshou/internal/errs"
)

const maxEnsureAttempts = 3

// Source is a consistent, immutable set of vectors an index is built from.
type Source interface {
	Len() int
	Dimension() int
	Vectors() [][]float32
}

// Built is a published index together with the source it was built from.
// Hits address rows of Source. Callers must Release it when done.
type Built[S Source] struct {
	Index    Index
	Source   S
	BuiltAt  time.Time
	Duration time.Duration

	mu      sync.Mutex
	refs    int
	retired bool
}

func (b *Built[S]) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retired {
		return false
	}
	b.refs++
	return true
}

// Release returns the index. A retired index is closed after its last release.
func (b *Built[S]) Release() {
	b.mu.Lock()
	b.refs--
	closeNow := b.retired && b.refs == 0
	b.mu.Unlock()
	if closeNow {
		_ = b.Index.Close()
	}
}

func (b *Built[S]) retire() {
	b.mu.Lock()
	b.retired = true
	closeNow := b.refs == 0
	b.mu.Unlock()
	if closeNow {
		_ = b.Index.Close()
	}
}

// LazyIndex holds the current index and rebuilds it on demand. Ingestion calls
// MarkDirty; queries call Ensure, which rebuilds when the index is dirty or was
// built from fewer vectors than the caller has seen. Concurrent rebuilds are
// coalesced, and a new index replaces the old one with an atomic swap while
// in-flight searches finish on the old one.
type LazyIndex[S Source] struct {
	opts   Options
	latest func() S
	logger *zap.Logger

	current  atomic.Pointer[Built[S]]
	dirty    atomic.Bool
	group    singleflight.Group
	rebuilds atomic.Int64
}

// NewLazyIndex returns a lazy index over the sources returned by latest.
func NewLazyIndex[S Source](opts Options, latest func() S) *LazyIndex[S] {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &LazyIndex[S]{opts: opts, latest: latest, logger: logger}
	l.dirty.Store(true)
	return l
}

// MarkDirty records that the source has grown since the last build.
func (l *LazyIndex[S]) MarkDirty() {
	l.dirty.Store(true)
}

// Dirty reports whether the next query will rebuild.
func (l *LazyIndex[S]) Dirty() bool {
	return l.dirty.Load()
}

// Rebuilds returns how many indexes have been built.
func (l *LazyIndex[S]) Rebuilds() int64 {
	return l.rebuilds.Load()
}

// Current returns the published index without acquiring it, or nil.
func (l *LazyIndex[S]) Current() *Built[S] {
	return l.current.Load()
}

// Ensure returns an acquired index covering at least want.Len() vectors.
func (l *LazyIndex[S]) Ensure(ctx context.Context, want S) (*Built[S], error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := l.current.Load()
		if cur != nil && !l.dirty.Load() && cur.Source.Len() >= want.Len() && cur.acquire() {
			return cur, nil
		}
		_, err, _ := l.group.Do("rebuild", func() (any, error) {
			return nil, l.rebuild(context.WithoutCancel(ctx))
		})
		if err != nil {
			return nil, err
		}
		// A commit may have marked the index dirty again; it is still fresh for want.
		cur = l.current.Load()
		if cur != nil && cur.Source.Len() >= want.Len() {
			if cur.acquire() {
				return cur, nil
			}
			continue
		}
		// The rebuild we joined started before want was committed.
		if attempt >= maxEnsureAttempts {
			return nil, errs.Inconsistent("index source has fewer vectors than the query snapshot (%d)", want.Len())
		}
	}
}

func (l *LazyIndex[S]) rebuild(ctx context.Context) error {
	// Cleared before reading the source: a commit after this point marks it again.
	l.dirty.Store(false)
	src := l.latest()
	start := time.Now()
	idx, err := NewVectorIndex(ctx, l.opts, src.Dimension(), src.Vectors())
	if err != nil {
		l.dirty.Store(true)
		return errs.Wrap(err, errs.CodeIndexBuildFailure, "build index", "type", l.opts.Type, "vectors", src.Len())
	}
	built := &Built[S]{Index: idx, Source: src, BuiltAt: time.Now(), Duration: time.Since(start)}
	if old := l.current.Swap(built); old != nil {
		old.retire()
	}
	l.rebuilds.Add(1)
	l.logger.Debug("index rebuilt",
		zap.String("type", idx.Type()),
		zap.Int("vectors", src.Len()),
		zap.Duration("duration", built.Duration))
	return nil
}

// Close retires the current index.
func (l *LazyIndex[S]) Close() error {
	if old := l.current.Swap(nil); old != nil {
		old.retire()
	}
	return nil
}
