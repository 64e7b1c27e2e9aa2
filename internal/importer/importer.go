// Package importer ingests artworks listed in spreadsheet manifests (.xlsx or
// .csv). Each row describes one artwork and points at either an image file,
// resolved relative to the manifest, or an explicit feature vector.
package importer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/models"
)

// Recognised manifest columns. Columns named "ext:<provider>" become external ids.
const (
	ColID        = "id"
	ColTitle     = "title"
	ColArtist    = "artist"
	ColYear      = "year"
	ColStyle     = "style"
	ColMovement  = "movement"
	ColSourceURL = "source_url"
	ColImage     = "image"
	ColVector    = "vector"

	externalPrefix = "ext:"

	defaultBatchSize = 32
)

// Ingester turns files and inputs into stored artworks. *indexer.Indexer implements it.
type Ingester interface {
	Has(id string) bool
	PrepareFile(ctx context.Context, path string, allowedExts []string) (*models.ArtworkInput, string, error)
	AddArtworks(ctx context.Context, inputs []*models.ArtworkInput) ([]string, error)
}

// RowError reports a manifest row that could not be ingested. Row is 1-based and
// counts the header.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string { return fmt.Sprintf("row %d: %v", e.Row, e.Err) }

// Result summarises one import.
type Result struct {
	Rows    int
	Added   []string
	Skipped int
	Errors  []RowError
}

// Importer reads manifests and ingests their rows in batches.
type Importer struct {
	ingester   Ingester
	extensions []string
	batchSize  int
	logger     *zap.Logger
}

// Option configures an Importer.
type Option func(*Importer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(im *Importer) {
		if l != nil {
			im.logger = l
		}
	}
}

// WithBatchSize sets how many rows are committed together.
func WithBatchSize(n int) Option {
	return func(im *Importer) {
		if n > 0 {
			im.batchSize = n
		}
	}
}

// WithExtensions restricts the image files a manifest may reference.
func WithExtensions(exts []string) Option {
	return func(im *Importer) { im.extensions = exts }
}

// New returns an importer feeding ingester.
func New(ingester Ingester, opts ...Option) *Importer {
	im := &Importer{ingester: ingester, batchSize: defaultBatchSize, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// ImportFile reads the manifest at path and ingests its rows. Bad rows are
// collected in Result.Errors; the error return is reserved for an unreadable
// manifest or a cancelled context.
func (im *Importer) ImportFile(ctx context.Context, path string) (*Result, error) {
	var (
		rows [][]string
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".xlsx", ".xlsm":
		rows, err = readXLSX(path)
	case ".csv":
		rows, err = readCSV(path)
	default:
		return nil, errs.Invalid(errs.CodeRecordInvalid, "unsupported manifest type %q (supported: .xlsx, .csv)", ext)
	}
	if err != nil {
		return nil, err
	}
	return im.importRows(ctx, filepath.Dir(path), rows)
}

func (im *Importer) importRows(ctx context.Context, baseDir string, rows [][]string) (*Result, error) {
	res := &Result{Added: []string{}}
	if len(rows) == 0 {
		return res, nil
	}
	header, err := parseHeader(rows[0])
	if err != nil {
		return nil, err
	}

	type pending struct {
		row   int
		input *models.ArtworkInput
	}
	var batch []pending
	seen := map[string]struct{}{}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		inputs := make([]*models.ArtworkInput, len(batch))
		for i, p := range batch {
			inputs[i] = p.input
		}
		ids, err := im.ingester.AddArtworks(ctx, inputs)
		if err == nil {
			res.Added = append(res.Added, ids...)
			batch = batch[:0]
			return
		}
		im.logger.Warn("Manifest batch failed, retrying rows individually", zap.Int("rows", len(batch)), zap.Error(err))
		for _, p := range batch {
			ids, err := im.ingester.AddArtworks(ctx, []*models.ArtworkInput{p.input})
			if err != nil {
				res.Errors = append(res.Errors, RowError{Row: p.row, Err: err})
				continue
			}
			res.Added = append(res.Added, ids...)
		}
		batch = batch[:0]
	}

	for i, cells := range rows[1:] {
		rowNum := i + 2
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if blank(cells) {
			continue
		}
		res.Rows++
		input, err := im.rowInput(ctx, baseDir, header, cells)
		if err != nil {
			res.Errors = append(res.Errors, RowError{Row: rowNum, Err: err})
			continue
		}
		if input == nil {
			res.Skipped++
			continue
		}
		if id := input.Record.ID; id != "" {
			if _, dup := seen[id]; dup || im.ingester.Has(id) {
				res.Skipped++
				continue
			}
			seen[id] = struct{}{}
		}
		batch = append(batch, pending{row: rowNum, input: input})
		if len(batch) >= im.batchSize {
			flush()
		}
	}
	flush()

	im.logger.Info("Imported manifest",
		zap.Int("rows", res.Rows),
		zap.Int("added", len(res.Added)),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", len(res.Errors)))
	return res, nil
}

// header maps a lower-cased column name to its index.
type header map[string]int

func parseHeader(cells []string) (header, error) {
	h := header{}
	for i, c := range cells {
		name := strings.ToLower(strings.TrimSpace(c))
		if name == "" {
			continue
		}
		if _, dup := h[name]; dup {
			return nil, errs.Invalid(errs.CodeRecordInvalid, "manifest column %q appears twice", name)
		}
		h[name] = i
	}
	_, hasImage := h[ColImage]
	_, hasVector := h[ColVector]
	if !hasImage && !hasVector {
		return nil, errs.Invalid(errs.CodeRecordInvalid, "manifest needs an %q or %q column", ColImage, ColVector)
	}
	return h, nil
}

func (h header) get(cells []string, col string) string {
	i, ok := h[col]
	if !ok || i >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[i])
}

// rowInput builds the input for one row. Values in the row override the
// image sidecar. It returns nil when the row's image is already stored.
func (im *Importer) rowInput(ctx context.Context, baseDir string, h header, cells []string) (*models.ArtworkInput, error) {
	rec := models.ArtworkRecord{
		ID:        h.get(cells, ColID),
		Title:     models.String(h.get(cells, ColTitle)),
		Artist:    models.String(h.get(cells, ColArtist)),
		Style:     models.String(h.get(cells, ColStyle)),
		Movement:  models.String(h.get(cells, ColMovement)),
		SourceURL: models.String(h.get(cells, ColSourceURL)),
	}
	if y := h.get(cells, ColYear); y != "" {
		year, err := strconv.Atoi(y)
		if err != nil {
			return nil, errs.Invalid(errs.CodeRecordInvalid, "year %q is not an integer", y)
		}
		rec.Year = models.Int(year)
	}
	for col := range h {
		if provider, ok := strings.CutPrefix(col, externalPrefix); ok {
			if v := h.get(cells, col); v != "" {
				if rec.ExternalIDs == nil {
					rec.ExternalIDs = map[string]string{}
				}
				rec.ExternalIDs[strings.TrimSpace(provider)] = v
			}
		}
	}

	imagePath := h.get(cells, ColImage)
	vectorText := h.get(cells, ColVector)
	switch {
	case imagePath != "" && vectorText != "":
		return nil, errs.Invalid(errs.CodeRecordInvalid, "row has both image and vector")
	case vectorText != "":
		vec, err := ParseVector(vectorText)
		if err != nil {
			return nil, err
		}
		return &models.ArtworkInput{Record: rec, Vector: vec}, nil
	case imagePath != "":
		if !filepath.IsAbs(imagePath) {
			imagePath = filepath.Join(baseDir, imagePath)
		}
		input, id, err := im.ingester.PrepareFile(ctx, imagePath, im.extensions)
		if err != nil {
			return nil, err
		}
		if input == nil && (rec.ID == "" || rec.ID == id) {
			return nil, nil
		}
		if input == nil {
			// Stored under its content id; the row asks for a different one.
			return nil, errs.Duplicate(id)
		}
		overlay(&input.Record, &rec)
		return input, nil
	default:
		return nil, errs.Invalid(errs.CodeRecordInvalid, "row needs an image or a vector")
	}
}

func overlay(dst, src *models.ArtworkRecord) {
	if src.ID != "" {
		dst.ID = src.ID
	}
	for _, f := range []struct{ dst, src **string }{
		{&dst.Title, &src.Title}, {&dst.Artist, &src.Artist}, {&dst.Style, &src.Style},
		{&dst.Movement, &src.Movement}, {&dst.SourceURL, &src.SourceURL},
	} {
		if *f.src != nil {
			*f.dst = *f.src
		}
	}
	if src.Year != nil {
		dst.Year = src.Year
	}
	for k, v := range src.ExternalIDs {
		if dst.ExternalIDs == nil {
			dst.ExternalIDs = map[string]string{}
		}
		dst.ExternalIDs[k] = v
	}
}

// ParseVector parses whitespace, comma or semicolon separated floats,
// optionally wrapped in brackets.
func ParseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(fields) == 0 {
		return nil, errs.Invalid(errs.CodeFeatureInvalid, "vector is empty")
	}
	vec := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, errs.Invalid(errs.CodeFeatureInvalid, "vector component %d: %v", i, errors.Unwrap(err))
		}
		vec[i] = float32(v)
	}
	return vec, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
