package reverse

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReverseImageSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		f, _, err := r.FormFile("image")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		if string(data) != "jpeg bytes" {
			t.Errorf("uploaded %q", data)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []map[string]any{
			{"title": "Sunflowers (copy)", "score": 0.4},
			{"title": " Sunflowers ", "artist": "Vincent van Gogh", "year": 1888, "object_id": "436524", "score": 0.9},
			{"title": "Bad year", "year": 99999, "score": 0.1},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	cands, err := c.ReverseImageSearch(context.Background(), []byte("jpeg bytes"))
	if err != nil {
		t.Fatalf("ReverseImageSearch: %v", err)
	}
	if len(cands) != 3 {
		t.Fatalf("got %d candidates", len(cands))
	}
	first := cands[0]
	if first.Title != "Sunflowers" || first.ObjectID != "436524" || first.Provider != Name {
		t.Errorf("first = %+v", first)
	}
	if first.Year == nil || *first.Year != 1888 {
		t.Errorf("year = %v", first.Year)
	}
	if cands[2].Year != nil {
		t.Errorf("out-of-range year kept: %d", *cands[2].Year)
	}
}

func TestReverseImageSearch_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	if _, err := New(srv.URL, srv.Client()).ReverseImageSearch(context.Background(), []byte("x")); err == nil {
		t.Error("expected error")
	}
}
