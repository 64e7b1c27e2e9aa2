package wikipedia

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperjump/kanshou/internal/provider"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/rest_v1/page/summary/The_Starry_Night", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":        "standard",
			"title":       "The Starry Night",
			"description": "1889 painting by Vincent van Gogh",
			"extract":     "The Starry Night is an oil-on-canvas painting by the Dutch Post-Impressionist painter Vincent van Gogh.",
			"content_urls": map[string]any{
				"desktop": map[string]any{"page": "https://en.wikipedia.org/wiki/The_Starry_Night"},
			},
		})
	})
	mux.HandleFunc("/api/rest_v1/page/summary/Mercury", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"type": "disambiguation", "title": "Mercury"})
	})
	mux.HandleFunc("/api/rest_v1/page/summary/Broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLookupByTitle(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, srv.Client())
	cand, err := c.LookupByTitle(context.Background(), "The Starry Night")
	if err != nil {
		t.Fatalf("LookupByTitle: %v", err)
	}
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	if cand.Artist != "Vincent van Gogh" {
		t.Errorf("artist = %q", cand.Artist)
	}
	if cand.Year == nil || *cand.Year != 1889 {
		t.Errorf("year = %v", cand.Year)
	}
	if cand.SourceURL != "https://en.wikipedia.org/wiki/The_Starry_Night" {
		t.Errorf("source url = %q", cand.SourceURL)
	}
}

func TestLookupByTitle_NoMatch(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, srv.Client())
	for _, title := range []string{"Unknown Painting", "Mercury", "  "} {
		cand, err := c.LookupByTitle(context.Background(), title)
		if err != nil || cand != nil {
			t.Errorf("LookupByTitle(%q) = %+v, %v; want nil, nil", title, cand, err)
		}
	}
}

func TestLookupByTitle_ServerError(t *testing.T) {
	srv := newServer(t)
	c := New(srv.URL, srv.Client())
	_, err := c.LookupByTitle(context.Background(), "Broken")
	var status *provider.StatusError
	if !errors.As(err, &status) || !status.Temporary() {
		t.Errorf("err = %v, want temporary status error", err)
	}
}

func TestToCandidate_Movement(t *testing.T) {
	cand := toCandidate(&summary{
		Title:       "Impression, Sunrise",
		Description: "Painting by Claude Monet",
		Extract:     "The painting gave its name to Impressionism.",
	})
	if cand.Artist != "Claude Monet" || cand.Movement != "Impressionism" {
		t.Errorf("candidate = %+v", cand)
	}
	if cand.Year != nil {
		t.Errorf("year = %d, want none", *cand.Year)
	}
}
