package catalog

import (
	"bytes"
	"encoding/gob"

	"github.com/cuemby/ledger/pkg/errs"
)

// gobTable/gobColumn mirror Table/Column with only exported fields, so gob
// (which ignores unexported fields and cannot encode pointers-to-Value
// cleanly across versions) has a stable wire shape independent of any
// future internal refactor of Table itself.
type gobColumn struct {
	Name       string
	Datatype   Datatype
	PrimaryKey bool
	Nullable   bool
	HasDefault bool
	Default    Value
	Unique     bool
	References string
	Index      bool
}

type gobTable struct {
	Name    string
	Columns []gobColumn
}

func encodeTable(t Table) []byte {
	gt := gobTable{Name: t.Name}
	for _, c := range t.Columns {
		gc := gobColumn{
			Name: c.Name, Datatype: c.Datatype, PrimaryKey: c.PrimaryKey,
			Nullable: c.Nullable, Unique: c.Unique, References: c.References, Index: c.Index,
		}
		if c.Default != nil {
			gc.HasDefault = true
			gc.Default = *c.Default
		}
		gt.Columns = append(gt.Columns, gc)
	}
	var buf bytes.Buffer
	gob.NewEncoder(&buf).Encode(gt)
	return buf.Bytes()
}

func decodeTable(b []byte) (Table, error) {
	var gt gobTable
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&gt); err != nil {
		return Table{}, errs.Wrap(errs.KindInternal, err, "decode table definition")
	}
	t := Table{Name: gt.Name}
	for _, gc := range gt.Columns {
		c := Column{
			Name: gc.Name, Datatype: gc.Datatype, PrimaryKey: gc.PrimaryKey,
			Nullable: gc.Nullable, Unique: gc.Unique, References: gc.References, Index: gc.Index,
		}
		if gc.HasDefault {
			v := gc.Default
			c.Default = &v
		}
		t.Columns = append(t.Columns, c)
	}
	return t, nil
}

func encodeRow(row Row) []byte {
	var buf bytes.Buffer
	gob.NewEncoder(&buf).Encode(row)
	return buf.Bytes()
}

func decodeRow(b []byte) (Row, error) {
	var row Row
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&row); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "decode row")
	}
	return row, nil
}

func encodeIndexEntry(pks []Value) []byte {
	var buf bytes.Buffer
	gob.NewEncoder(&buf).Encode(pks)
	return buf.Bytes()
}

func decodeIndexEntry(b []byte) ([]Value, error) {
	var pks []Value
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&pks); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "decode index entry")
	}
	return pks, nil
}
