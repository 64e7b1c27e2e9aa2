package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// sqlite-vec rejects KNN queries asking for more neighbours than this.
const sqliteVecMaxK = 4096

// SQLiteVecIndex keeps the vectors in an in-memory sqlite-vec vec0 table using
// the cosine metric. Candidates are rescored exactly, so ties are ordered by row.
type SQLiteVecIndex struct {
	db     *sql.DB
	exact  *MemoryIndex
	logger *zap.Logger
}

// NewSQLiteVecIndex loads vectors into a fresh in-memory database.
func NewSQLiteVecIndex(ctx context.Context, dimensions int, vectors [][]float32, logger *zap.Logger) (*SQLiteVecIndex, error) {
	exact, err := NewMemoryIndex(dimensions, vectors)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// enable connection to have sqlite-vec extension
	sqlite_vec.Auto()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	var vecVersion string
	if err := db.QueryRowContext(ctx, "SELECT vec_version()").Scan(&vecVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite-vec not available: %w", err)
	}
	createVec := fmt.Sprintf(
		`CREATE VIRTUAL TABLE vec_artworks USING vec0(embedding float[%d] distance_metric=cosine)`,
		dimensions,
	)
	if _, err := db.ExecContext(ctx, createVec); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vec0 table: %w", err)
	}

	idx := &SQLiteVecIndex{db: db, exact: exact, logger: logger}
	if err := idx.load(ctx, vectors); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("sqlite-vec index built",
		zap.Int("vectors", len(vectors)),
		zap.Int("dimensions", dimensions),
		zap.String("vec_version", vecVersion))
	return idx, nil
}

func (s *SQLiteVecIndex) load(ctx context.Context, vectors [][]float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO vec_artworks(rowid, embedding) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for row, v := range vectors {
		// rowid is 1-based; row 0 would collide with SQLite's "no rowid" convention.
		if _, err := stmt.ExecContext(ctx, int64(row)+1, serializeFloat32(v)); err != nil {
			return fmt.Errorf("inserting row %d: %w", row, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Type returns the index type identifier.
func (s *SQLiteVecIndex) Type() string {
	return string(IndexTypeSQLiteVec)
}

// Size returns the number of vectors in the index.
func (s *SQLiteVecIndex) Size() int {
	return s.exact.Size()
}

// Search runs a vec0 KNN query and rescores the candidates.
func (s *SQLiteVecIndex) Search(ctx context.Context, query []float32, k int, exclude *roaring.Bitmap) ([]Hit, error) {
	qn, err := checkQuery(query, s.exact.dimensions, k)
	if err != nil {
		return nil, err
	}
	n := s.Size()
	if n == 0 {
		return []Hit{}, nil
	}
	k = min(k, n)
	// vec0 caps k, so larger requests are answered by the exact scan.
	if k+excludedCount(exclude) > sqliteVecMaxK {
		return s.exact.Search(ctx, query, k, exclude)
	}
	// Over-fetch so that ties at the k-th position can still be ordered by row.
	fetch := min(2*k+excludedCount(exclude), n)

	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, distance
		FROM vec_artworks
		WHERE embedding MATCH ?
			AND k = ?
		ORDER BY distance
	`, serializeFloat32(query), fetch)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	cands := make([]int, 0, fetch)
	for rows.Next() {
		var rowID int64
		var distance float64
		if err := rows.Scan(&rowID, &distance); err != nil {
			return nil, fmt.Errorf("scanning query result: %w", err)
		}
		cands = append(cands, int(rowID-1))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating query results: %w", err)
	}
	return s.exact.rescore(query, qn, cands, k, exclude), nil
}

// Close releases the database.
func (s *SQLiteVecIndex) Close() error {
	return s.db.Close()
}

// serializeFloat32 converts a float32 slice to the little-endian BLOB format sqlite-vec expects.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
