package repository

import (
	"github.com/hyperjump/kanshou/internal/catalog"
	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/featurestore"
	"github.com/hyperjump/kanshou/internal/models"
)

// Snapshot is an immutable, mutually consistent view of the feature store, the
// catalog and the row index at one generation.
type Snapshot struct {
	Generation uint64
	Features   *featurestore.FeatureStore
	Catalog    *catalog.Catalog
	Rows       *RowIndex
}

func emptySnapshot() *Snapshot {
	rows, _ := NewRowIndex(nil)
	return &Snapshot{Features: featurestore.New(0), Catalog: catalog.New(), Rows: rows}
}

// Len returns the number of artworks.
func (s *Snapshot) Len() int {
	return s.Features.Rows()
}

// Dimension returns the vector dimension, 0 while empty.
func (s *Snapshot) Dimension() int {
	return s.Features.Dimension()
}

// Vectors returns the feature rows in order. The slices must not be modified.
func (s *Snapshot) Vectors() [][]float32 {
	return s.Features.All()
}

// Consistent checks that the feature store, the catalog and the row index have
// the same length. It is the cheap per-query form of Verify.
func (s *Snapshot) Consistent() error {
	rows, keys, ids := s.Features.Rows(), s.Catalog.Len(), s.Rows.Len()
	if rows != keys || rows != ids {
		return errs.Inconsistent("feature rows=%d catalog keys=%d row index=%d", rows, keys, ids)
	}
	return nil
}

// Verify checks that the three structures describe the same artworks in the same order.
func (s *Snapshot) Verify() error {
	if err := s.Consistent(); err != nil {
		return err
	}
	for i, id := range s.Catalog.Keys() {
		if got, _ := s.Rows.ID(i); got != id {
			return errs.Inconsistent("row %d belongs to %q in the row index but %q in the catalog", i, got, id)
		}
	}
	return nil
}

// Resolve returns the record stored at row.
func (s *Snapshot) Resolve(row int) (*models.ArtworkRecord, error) {
	id, ok := s.Rows.ID(row)
	if !ok {
		return nil, errs.Inconsistent("row %d is outside the row index (%d rows)", row, s.Rows.Len())
	}
	rec, err := s.Catalog.Get(id)
	if err != nil {
		return nil, errs.Inconsistent("row %d maps to %q which is missing from the catalog", row, id)
	}
	return rec, nil
}

// Get returns the record of id.
func (s *Snapshot) Get(id string) (*models.ArtworkRecord, error) {
	return s.Catalog.Get(id)
}

// Vector returns the feature row of id.
func (s *Snapshot) Vector(id string) ([]float32, error) {
	row, ok := s.Rows.Row(id)
	if !ok {
		return nil, errs.NotFound(errs.CodeCatalogNotFound, id)
	}
	return s.Features.Row(row), nil
}

// List returns up to limit records starting at offset, in insertion order.
func (s *Snapshot) List(offset, limit int) []*models.ArtworkRecord {
	keys := s.Catalog.Keys()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(keys) {
		return []*models.ArtworkRecord{}
	}
	end := len(keys)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*models.ArtworkRecord, 0, end-offset)
	for _, id := range keys[offset:end] {
		if rec, err := s.Catalog.Get(id); err == nil {
			out = append(out, rec)
		}
	}
	return out
}
