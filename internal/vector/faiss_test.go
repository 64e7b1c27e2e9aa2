//go:build faiss && cgo
// +build faiss,cgo

package vector

import (
	"context"
	"testing"
)

func TestFAISSIndex_Scenario(t *testing.T) {
	idx, err := NewFAISSIndex(context.Background(), 2, scenarioVectors())
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	assertScenario(t, idx)
}

func TestFAISSIndex_MatchesMemory(t *testing.T) {
	vectors := randomVectors(500, 8, 3)
	idx, err := NewFAISSIndex(context.Background(), 8, vectors)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	assertMatchesExact(t, idx, vectors, 10)
}
