package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/fsutil"
	"github.com/hyperjump/kanshou/internal/models"
)

// Encode writes the catalog as one JSON object whose keys appear in insertion order.
func (c *Catalog) Encode(w io.Writer) error {
	if _, err := io.WriteString(w, "{"); err != nil {
		return err
	}
	for i, id := range c.keys {
		key, err := json.Marshal(id)
		if err != nil {
			return fmt.Errorf("encode key %q: %w", id, err)
		}
		val, err := json.Marshal(c.records[id])
		if err != nil {
			return fmt.Errorf("encode record %q: %w", id, err)
		}
		sep := ",\n  "
		if i == 0 {
			sep = "\n  "
		}
		if _, err := fmt.Fprintf(w, "%s%s: %s", sep, key, val); err != nil {
			return err
		}
	}
	if len(c.keys) > 0 {
		_, err := io.WriteString(w, "\n}\n")
		return err
	}
	_, err := io.WriteString(w, "}\n")
	return err
}

// Decode parses a catalog written by Encode, keeping key order. name identifies
// the source in CorruptState diagnostics.
func Decode(r io.Reader, name string) (*Catalog, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, errs.Corrupt(name, "read opening brace: %v", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errs.Corrupt(name, "expected a JSON object, got %v", tok)
	}

	c := New()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, errs.Corrupt(name, "read key: %v", err)
		}
		id, ok := tok.(string)
		if !ok {
			return nil, errs.Corrupt(name, "expected string key, got %v", tok)
		}
		var rec models.ArtworkRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, errs.Corrupt(name, "record %q: %v", id, err)
		}
		if rec.ID != "" && rec.ID != id {
			return nil, errs.Corrupt(name, "record under key %q carries id %q", id, rec.ID)
		}
		if c.Has(id) {
			return nil, errs.Corrupt(name, "duplicate key %q", id)
		}
		if err := c.Put(id, &rec); err != nil {
			return nil, errs.Corrupt(name, "key %q: %v", id, err)
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, errs.Corrupt(name, "read closing brace: %v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errs.Corrupt(name, "trailing data after catalog object")
	}
	return c, nil
}

// Save writes the catalog to path atomically.
func (c *Catalog) Save(fsys fsutil.FileSystem, path string) error {
	return fsutil.WriteFileAtomic(fsys, path, c.Encode)
}

// Load reads a catalog from path.
func Load(fsys fsutil.FileSystem, path string) (*Catalog, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open catalog file: %w", err)
	}
	defer f.Close()
	return Decode(f, path)
}
