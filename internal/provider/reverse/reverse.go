// Package reverse queries an HTTP reverse-image-search endpoint.
//
// The endpoint receives the image as the multipart field "image" and answers
//
//	{"results": [{"title": "...", "artist": "...", "year": 1889, "style": "...",
//	              "movement": "...", "source_url": "...", "object_id": "...", "score": 0.93}]}
//
// with results ordered best first.
package reverse

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"

	"github.com/hyperjump/kanshou/internal/models"
	"github.com/hyperjump/kanshou/internal/provider"
)

// Name identifies the provider in candidates and warnings.
const Name = "reverse"

// Client is a provider.ReverseImageSearcher.
type Client struct {
	endpoint string
	http     *http.Client
}

// New returns a client posting to endpoint.
func New(endpoint string, client *http.Client) *Client {
	if client == nil {
		client = provider.NewHTTPClient(0)
	}
	return &Client{endpoint: endpoint, http: client}
}

// Name implements provider.ReverseImageSearcher.
func (c *Client) Name() string { return Name }

type result struct {
	Title     string  `json:"title"`
	Artist    string  `json:"artist"`
	Year      *int    `json:"year"`
	Style     string  `json:"style"`
	Movement  string  `json:"movement"`
	SourceURL string  `json:"source_url"`
	ObjectID  string  `json:"object_id"`
	Score     float64 `json:"score"`
}

type response struct {
	Results []result `json:"results"`
}

// ReverseImageSearch uploads image and returns the candidates, best first.
func (c *Client) ReverseImageSearch(ctx context.Context, image []byte) ([]models.Candidate, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "image")
	if err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var res response
	if err := provider.Do(ctx, c.http, req, &res); err != nil {
		return nil, err
	}
	out := make([]models.Candidate, 0, len(res.Results))
	for _, r := range res.Results {
		cand := models.Candidate{
			Provider:  Name,
			ObjectID:  strings.TrimSpace(r.ObjectID),
			Title:     strings.TrimSpace(r.Title),
			Artist:    strings.TrimSpace(r.Artist),
			Style:     strings.TrimSpace(r.Style),
			Movement:  strings.TrimSpace(r.Movement),
			SourceURL: strings.TrimSpace(r.SourceURL),
			Score:     r.Score,
		}
		if r.Year != nil && *r.Year >= models.MinYear && *r.Year <= models.MaxYear {
			cand.Year = models.Int(*r.Year)
		}
		out = append(out, cand)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}
