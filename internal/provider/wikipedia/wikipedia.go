// Package wikipedia describes artworks from Wikipedia page summaries.
package wikipedia

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/hyperjump/kanshou/internal/models"
	"github.com/hyperjump/kanshou/internal/provider"
)

// DefaultBaseURL is English Wikipedia.
const DefaultBaseURL = "https://en.wikipedia.org"

// Name identifies the provider in candidates and warnings.
const Name = "wikipedia"

var (
	// "1889 painting by Vincent van Gogh", "woodblock print by Hokusai".
	byArtist = regexp.MustCompile(`(?i)\b(?:painting|artwork|work|print|sculpture|fresco|drawing|mural|portrait|triptych|panel)s?\s+by\s+(?:the\s+)?([^,;(.]+)`)
	year     = regexp.MustCompile(`\b(1[0-9]{3}|20[0-9]{2})\b`)
	movement = regexp.MustCompile(`\b([A-Z][a-z]+(?:-[A-Z][a-z]+)?ism|Ukiyo-e|Renaissance|Baroque|Rococo)\b`)
)

// Client is a knowledge base backed by the REST page summary endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL ("" means DefaultBaseURL).
func New(baseURL string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = provider.NewHTTPClient(0)
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

// Name implements provider.KnowledgeBase.
func (c *Client) Name() string { return Name }

type summary struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Extract     string `json:"extract"`
	ContentURLs struct {
		Desktop struct {
			Page string `json:"page"`
		} `json:"desktop"`
	} `json:"content_urls"`
}

// LookupByTitle fetches the summary of the page named title. Disambiguation
// pages and missing pages are treated as no match.
func (c *Client) LookupByTitle(ctx context.Context, title string) (*models.Candidate, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, nil
	}
	page := url.PathEscape(strings.ReplaceAll(title, " ", "_"))
	var s summary
	err := provider.GetJSON(ctx, c.http, c.baseURL+"/api/rest_v1/page/summary/"+page, &s)
	if errors.Is(err, provider.ErrNoMatch) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.Type == "disambiguation" {
		return nil, nil
	}
	return toCandidate(&s), nil
}

func toCandidate(s *summary) *models.Candidate {
	cand := &models.Candidate{
		Provider:  Name,
		Title:     strings.TrimSpace(s.Title),
		SourceURL: s.ContentURLs.Desktop.Page,
	}
	text := s.Description + ". " + s.Extract
	if m := byArtist.FindStringSubmatch(text); m != nil {
		cand.Artist = strings.TrimSpace(m[1])
	}
	if m := year.FindString(s.Description); m != "" {
		y, _ := strconv.Atoi(m)
		cand.Year = models.Int(y)
	} else if m := year.FindString(s.Extract); m != "" {
		y, _ := strconv.Atoi(m)
		cand.Year = models.Int(y)
	}
	if m := movement.FindString(text); m != "" {
		cand.Movement = m
	}
	return cand
}
