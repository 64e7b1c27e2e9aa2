// Package catalog maps artwork identifiers to their descriptive records,
// preserving insertion order, and persists the mapping as a JSON object.
//
// Like featurestore, a Catalog is not safe for concurrent mutation; published
// catalogs are treated as immutable.
package catalog

import (
	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/models"
)

// Catalog is an insertion-ordered identifier -> record mapping.
type Catalog struct {
	keys    []string
	records map[string]*models.ArtworkRecord
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{records: make(map[string]*models.ArtworkRecord)}
}

// Put stores record under id. The record's ID is set to id.
func (c *Catalog) Put(id string, record *models.ArtworkRecord) error {
	if err := models.ValidateID(id); err != nil {
		return err
	}
	if _, ok := c.records[id]; ok {
		return errs.Duplicate(id)
	}
	rec := record.Clone()
	if rec == nil {
		rec = &models.ArtworkRecord{}
	}
	rec.ID = id
	c.records[id] = rec
	c.keys = append(c.keys, id)
	return nil
}

// Get returns a copy of the record stored under id.
func (c *Catalog) Get(id string) (*models.ArtworkRecord, error) {
	rec, ok := c.records[id]
	if !ok {
		return nil, errs.NotFound(errs.CodeCatalogNotFound, id)
	}
	return rec.Clone(), nil
}

// Has reports whether id is present.
func (c *Catalog) Has(id string) bool {
	_, ok := c.records[id]
	return ok
}

// Keys returns the identifiers in insertion order.
func (c *Catalog) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Len returns the number of records.
func (c *Catalog) Len() int {
	return len(c.keys)
}

// Range calls fn for each record in insertion order until fn returns false.
// The record must not be modified.
func (c *Catalog) Range(fn func(i int, rec *models.ArtworkRecord) bool) {
	for i, id := range c.keys {
		if !fn(i, c.records[id]) {
			return
		}
	}
}

// Clone returns a catalog sharing the existing records. Puts on the clone do
// not affect c.
func (c *Catalog) Clone() *Catalog {
	out := &Catalog{
		keys:    make([]string, len(c.keys), len(c.keys)+8),
		records: make(map[string]*models.ArtworkRecord, len(c.records)+8),
	}
	copy(out.keys, c.keys)
	for k, v := range c.records {
		out.records[k] = v
	}
	return out
}
