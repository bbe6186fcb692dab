package dataset

import "fmt"

// ColumnKind identifies the value type of a metadata column.
type ColumnKind int

const (
	ColumnString ColumnKind = iota
	ColumnFloat
	ColumnInt
)

// Column holds one metadata column. Exactly one of the value slices is
// populated, matching Kind, aligned to the table's ID order.
type Column struct {
	Kind    ColumnKind
	Strings []string
	Floats  []float64
	Ints    []int
}

// MetaTable is an extensible per-identifier metadata table holding
// per-observation or per-feature columns. Columns are aligned to a fixed ID
// order; adding a column with the wrong length is an error.
type MetaTable struct {
	ids   []string
	idx   map[string]int
	order []string
	cols  map[string]*Column
}

// NewMetaTable creates an empty table over the given IDs.
func NewMetaTable(ids []string) *MetaTable {
	idx := make(map[string]int, len(ids))
	for i, id := range ids {
		idx[id] = i
	}
	return &MetaTable{
		ids:  append([]string(nil), ids...),
		idx:  idx,
		cols: make(map[string]*Column),
	}
}

// IDs returns the ordered row IDs.
func (t *MetaTable) IDs() []string { return t.ids }

// Len returns the row count.
func (t *MetaTable) Len() int { return len(t.ids) }

// ColumnNames returns column names in insertion order.
func (t *MetaTable) ColumnNames() []string { return t.order }

// HasColumn reports whether a column exists.
func (t *MetaTable) HasColumn(name string) bool {
	_, ok := t.cols[name]
	return ok
}

func (t *MetaTable) put(name string, c *Column) {
	if _, exists := t.cols[name]; !exists {
		t.order = append(t.order, name)
	}
	t.cols[name] = c
}

// SetStrings adds or replaces a string column.
func (t *MetaTable) SetStrings(name string, values []string) error {
	if len(values) != len(t.ids) {
		return fmt.Errorf("column %q has %d values, table has %d rows", name, len(values), len(t.ids))
	}
	t.put(name, &Column{Kind: ColumnString, Strings: append([]string(nil), values...)})
	return nil
}

// SetFloats adds or replaces a float column.
func (t *MetaTable) SetFloats(name string, values []float64) error {
	if len(values) != len(t.ids) {
		return fmt.Errorf("column %q has %d values, table has %d rows", name, len(values), len(t.ids))
	}
	t.put(name, &Column{Kind: ColumnFloat, Floats: append([]float64(nil), values...)})
	return nil
}

// SetInts adds or replaces an int column.
func (t *MetaTable) SetInts(name string, values []int) error {
	if len(values) != len(t.ids) {
		return fmt.Errorf("column %q has %d values, table has %d rows", name, len(values), len(t.ids))
	}
	t.put(name, &Column{Kind: ColumnInt, Ints: append([]int(nil), values...)})
	return nil
}

// Strings returns a string column.
func (t *MetaTable) Strings(name string) ([]string, error) {
	c, ok := t.cols[name]
	if !ok || c.Kind != ColumnString {
		return nil, fmt.Errorf("string column not found: %s", name)
	}
	return c.Strings, nil
}

// Floats returns a float column.
func (t *MetaTable) Floats(name string) ([]float64, error) {
	c, ok := t.cols[name]
	if !ok || c.Kind != ColumnFloat {
		return nil, fmt.Errorf("float column not found: %s", name)
	}
	return c.Floats, nil
}

// Ints returns an int column.
func (t *MetaTable) Ints(name string) ([]int, error) {
	c, ok := t.cols[name]
	if !ok || c.Kind != ColumnInt {
		return nil, fmt.Errorf("int column not found: %s", name)
	}
	return c.Ints, nil
}

// subset returns a new table restricted to the given IDs, keeping all
// columns. Unknown IDs produce an error.
func (t *MetaTable) subset(keep []string) (*MetaTable, error) {
	rows := make([]int, len(keep))
	for i, id := range keep {
		ri, ok := t.idx[id]
		if !ok {
			return nil, fmt.Errorf("ID not in table: %s", id)
		}
		rows[i] = ri
	}
	out := NewMetaTable(keep)
	for _, name := range t.order {
		c := t.cols[name]
		nc := &Column{Kind: c.Kind}
		switch c.Kind {
		case ColumnString:
			nc.Strings = make([]string, len(rows))
			for i, ri := range rows {
				nc.Strings[i] = c.Strings[ri]
			}
		case ColumnFloat:
			nc.Floats = make([]float64, len(rows))
			for i, ri := range rows {
				nc.Floats[i] = c.Floats[ri]
			}
		case ColumnInt:
			nc.Ints = make([]int, len(rows))
			for i, ri := range rows {
				nc.Ints[i] = c.Ints[ri]
			}
		}
		out.put(name, nc)
	}
	return out, nil
}
