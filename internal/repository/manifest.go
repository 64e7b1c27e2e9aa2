package repository

import (
	"encoding/json"
	"fmt"
	"io"
)

const (
	// ManifestName is the file whose atomic replacement commits a generation.
	ManifestName          = "MANIFEST"
	manifestFormatVersion = 1
)

// Manifest names the files of the current generation and carries the row index.
type Manifest struct {
	FormatVersion int      `json:"format_version"`
	Generation    uint64   `json:"generation"`
	Dimension     int      `json:"dimension"`
	Count         int      `json:"count"`
	FeaturesFile  string   `json:"features_file"`
	CatalogFile   string   `json:"catalog_file"`
	RowIDs        []string `json:"row_ids"`
}

func featuresFileName(gen uint64) string {
	return fmt.Sprintf("features-%06d.bin", gen)
}

func catalogFileName(gen uint64) string {
	return fmt.Sprintf("catalog-%06d.json", gen)
}

func (m *Manifest) encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}
