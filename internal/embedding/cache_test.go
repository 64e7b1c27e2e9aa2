package embedding

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestEmbeddingCache_GetSet(t *testing.T) {
	c := NewEmbeddingCache(2)
	if v, ok := c.Get("a"); ok || v != nil {
		t.Fatal("expected miss")
	}
	c.Set("a", []float32{1, 2, 3})
	v, ok := c.Get("a")
	if !ok || len(v) != 3 || v[0] != 1 {
		t.Errorf("Get: got %v, %v", v, ok)
	}
	c.Set("b", []float32{4, 5})
	// a becomes most recent, so c evicts b.
	c.Get("a")
	c.Set("c", []float32{6})
	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("expected a to remain")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("expected c to be present")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestEmbeddingCache_ReturnsCopies(t *testing.T) {
	c := NewEmbeddingCache(1)
	in := []float32{1, 2}
	c.Set("k", in)
	in[0] = 99
	out, _ := c.Get("k")
	if out[0] != 1 {
		t.Fatalf("cache aliased caller slice: %v", out)
	}
	out[1] = 42
	again, _ := c.Get("k")
	if again[1] != 2 {
		t.Fatalf("cache aliased returned slice: %v", again)
	}
}

func TestEmbeddingCache_Concurrent(t *testing.T) {
	c := NewEmbeddingCache(8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			for j := 0; j < 200; j++ {
				c.Set(key, []float32{float32(j)})
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
	if c.Len() != 8 {
		t.Errorf("Len = %d, want 8", c.Len())
	}
}

type countingExtractor struct {
	*MockExtractor
	calls atomic.Int32
}

func (c *countingExtractor) Extract(ctx context.Context, image []byte) ([]float32, error) {
	c.calls.Add(1)
	return c.MockExtractor.Extract(ctx, image)
}

func TestWithCache(t *testing.T) {
	inner := &countingExtractor{MockExtractor: NewMockExtractor(8)}
	e := WithCache(inner, 4)
	ctx := context.Background()

	v1, err := e.Extract(ctx, []byte("image-1"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	v2, err := e.Extract(ctx, []byte("image-1"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if inner.calls.Load() != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls.Load())
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("cached vector differs at %d", i)
		}
	}
	if e.Dimensions() != 8 {
		t.Errorf("Dimensions = %d", e.Dimensions())
	}
	hits, misses := e.(*CachedExtractor).Cache().Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("stats = %d hits %d misses", hits, misses)
	}
}

func TestWithCache_Disabled(t *testing.T) {
	inner := NewMockExtractor(4)
	if WithCache(inner, 0) != Extractor(inner) {
		t.Error("size 0 should return the extractor unchanged")
	}
}
