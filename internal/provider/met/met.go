// Package met looks up artworks in the Metropolitan Museum of Art collection API.
package met

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hyperjump/kanshou/internal/models"
	"github.com/hyperjump/kanshou/internal/provider"
)

// DefaultBaseURL is the public collection API.
const DefaultBaseURL = "https://collectionapi.metmuseum.org"

// Name identifies the provider in candidates, warnings and external ids.
const Name = "met"

// Client is both a knowledge base (search by title) and a collection (lookup by object id).
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

// Name implements provider.KnowledgeBase and provider.Collection.
func (c *Client) Name() string { return Name }

type searchResponse struct {
	Total     int   `json:"total"`
	ObjectIDs []int `json:"objectIDs"`
}

type object struct {
	ObjectID          int    `json:"objectID"`
	Title             string `json:"title"`
	ArtistDisplayName string `json:"artistDisplayName"`
	ObjectDate        string `json:"objectDate"`
	ObjectBeginDate   int    `json:"objectBeginDate"`
	Culture           string `json:"culture"`
	Period            string `json:"period"`
	Classification    string `json:"classification"`
	ObjectURL         string `json:"objectURL"`
}

// LookupByTitle searches the collection and describes the best match.
func (c *Client) LookupByTitle(ctx context.Context, title string) (*models.Candidate, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, nil
	}
	q := url.Values{}
	q.Set("q", title)
	q.Set("title", "true")
	q.Set("hasImages", "true")
	var res searchResponse
	err := provider.GetJSON(ctx, c.http, c.baseURL+"/public/collection/v1/search?"+q.Encode(), &res)
	if errors.Is(err, provider.ErrNoMatch) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res.ObjectIDs) == 0 {
		return nil, nil
	}
	return c.LookupByID(ctx, strconv.Itoa(res.ObjectIDs[0]))
}

// LookupByID fetches one object.
func (c *Client) LookupByID(ctx context.Context, objectID string) (*models.Candidate, error) {
	id, err := strconv.Atoi(strings.TrimSpace(objectID))
	if err != nil || id <= 0 {
		return nil, nil
	}
	var obj object
	err = provider.GetJSON(ctx, c.http, fmt.Sprintf("%s/public/collection/v1/objects/%d", c.baseURL, id), &obj)
	if errors.Is(err, provider.ErrNoMatch) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toCandidate(&obj), nil
}

func toCandidate(obj *object) *models.Candidate {
	cand := &models.Candidate{
		Provider:  Name,
		ObjectID:  strconv.Itoa(obj.ObjectID),
		Title:     strings.TrimSpace(obj.Title),
		Artist:    strings.TrimSpace(obj.ArtistDisplayName),
		Style:     strings.TrimSpace(obj.Culture),
		Movement:  strings.TrimSpace(obj.Period),
		SourceURL: strings.TrimSpace(obj.ObjectURL),
	}
	if obj.ObjectBeginDate != 0 && obj.ObjectBeginDate >= models.MinYear && obj.ObjectBeginDate <= models.MaxYear {
		cand.Year = models.Int(obj.ObjectBeginDate)
	} else if y, ok := parseYear(obj.ObjectDate); ok {
		cand.Year = models.Int(y)
	}
	return cand
}

// parseYear returns the first four-digit year in a free-form date like "ca. 1830–32".
func parseYear(s string) (int, bool) {
	run := 0
	for i, r := range s {
		if r >= '0' && r <= '9' {
			run++
			if run == 4 && (i+1 >= len(s) || s[i+1] < '0' || s[i+1] > '9') {
				y, err := strconv.Atoi(s[i-3 : i+1])
				return y, err == nil
			}
			continue
		}
		run = 0
	}
	return 0, false
}
