package repository

import "github.com/hyperjump/kanshou/internal/errs"

// RowIndex maps artwork identifiers to feature rows and back. Row i of the
// feature store belongs to IDs()[i].
type RowIndex struct {
	ids  []string
	rows map[string]int
}

// NewRowIndex builds an index over ids in row order.
func NewRowIndex(ids []string) (*RowIndex, error) {
	ri := &RowIndex{ids: make([]string, 0, len(ids)), rows: make(map[string]int, len(ids))}
	for _, id := range ids {
		if err := ri.add(id); err != nil {
			return nil, err
		}
	}
	return ri, nil
}

func (ri *RowIndex) add(id string) error {
	if _, ok := ri.rows[id]; ok {
		return errs.Inconsistent("identifier %q is mapped to two rows", id)
	}
	ri.rows[id] = len(ri.ids)
	ri.ids = append(ri.ids, id)
	return nil
}

// Row returns the feature row of id.
func (ri *RowIndex) Row(id string) (int, bool) {
	row, ok := ri.rows[id]
	return row, ok
}

// ID returns the identifier stored at row.
func (ri *RowIndex) ID(row int) (string, bool) {
	if row < 0 || row >= len(ri.ids) {
		return "", false
	}
	return ri.ids[row], true
}

// Len returns the number of rows.
func (ri *RowIndex) Len() int {
	return len(ri.ids)
}

// IDs returns the identifiers in row order.
func (ri *RowIndex) IDs() []string {
	out := make([]string, len(ri.ids))
	copy(out, ri.ids)
	return out
}

func (ri *RowIndex) clone() *RowIndex {
	out := &RowIndex{ids: make([]string, len(ri.ids), len(ri.ids)+8), rows: make(map[string]int, len(ri.rows)+8)}
	copy(out.ids, ri.ids)
	for k, v := range ri.rows {
		out.rows[k] = v
	}
	return out
}
