package catalog

import "github.com/cuemby/ledger/pkg/errs"

// Column describes one column of a Table.
type Column struct {
	Name       string
	Datatype   Datatype
	PrimaryKey bool
	Nullable   bool
	Default    *Value
	Unique     bool
	References string // table name, empty if not a foreign key
	Index      bool
}

// Table is a named, ordered collection of Columns. Exactly one column must
// be the primary key.
type Table struct {
	Name    string
	Columns []Column
}

// Column returns the named column, or an error if it does not exist.
func (t *Table) Column(name string) (*Column, error) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], nil
		}
	}
	return nil, errs.Valuef("column %s does not exist in table %s", name, t.Name)
}

// ColumnIndex returns the positional index of the named column.
func (t *Table) ColumnIndex(name string) (int, error) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return i, nil
		}
	}
	return 0, errs.Valuef("column %s does not exist in table %s", name, t.Name)
}

// PrimaryKeyColumn returns the table's primary key column.
func (t *Table) PrimaryKeyColumn() (*Column, error) {
	for i := range t.Columns {
		if t.Columns[i].PrimaryKey {
			return &t.Columns[i], nil
		}
	}
	return nil, errs.Valuef("primary key not found in table %s", t.Name)
}

// PrimaryKey extracts the primary key value out of row.
func (t *Table) PrimaryKey(row Row) (Value, error) {
	for i, col := range t.Columns {
		if col.PrimaryKey {
			if i >= len(row) {
				return Value{}, errs.Valuef("row too short for table %s", t.Name)
			}
			return row[i], nil
		}
	}
	return Value{}, errs.Valuef("primary key not found in table %s", t.Name)
}

// Validate checks the table definition itself: non-empty, exactly one
// primary key, and each column's own constraints (including resolving
// foreign key references through lookup).
func (t *Table) Validate(lookup func(name string) (*Table, error)) error {
	if len(t.Columns) == 0 {
		return errs.Valuef("table %s has no columns", t.Name)
	}

	var pkCount int
	for _, col := range t.Columns {
		if col.PrimaryKey {
			pkCount++
		}
	}
	switch pkCount {
	case 1:
	case 0:
		return errs.Valuef("no primary key in table %s", t.Name)
	default:
		return errs.Valuef("multiple primary keys in table %s", t.Name)
	}

	for _, col := range t.Columns {
		if err := col.validate(t, lookup); err != nil {
			return err
		}
	}
	return nil
}

func (c *Column) validate(table *Table, lookup func(name string) (*Table, error)) error {
	if c.Nullable && c.PrimaryKey {
		return errs.Valuef("primary key %s cannot be nullable", c.Name)
	}
	if c.PrimaryKey && !c.Unique {
		return errs.Valuef("primary key %s must be unique", c.Name)
	}

	if c.Default != nil {
		if dtype, ok := c.Default.Datatype(); ok {
			if dtype != c.Datatype {
				return errs.Valuef("default value for column %s has datatype %s, must be %s", c.Name, dtype, c.Datatype)
			}
		} else if !c.Nullable {
			return errs.Valuef("can't use NULL as default value for non-nullable column %s", c.Name)
		}
	} else if c.Nullable {
		return errs.Valuef("nullable column %s must have a default value", c.Name)
	}

	if c.References != "" {
		target := table
		if c.References != table.Name {
			var err error
			target, err = lookup(c.References)
			if err != nil {
				return errs.Valuef("table %s referenced by column %s does not exist", c.References, c.Name)
			}
		}
		pk, err := target.PrimaryKeyColumn()
		if err != nil {
			return err
		}
		if c.Datatype != pk.Datatype {
			return errs.Valuef("can't reference %s primary key of table %s from %s column %s",
				pk.Datatype, target.Name, c.Datatype, c.Name)
		}
	}
	return nil
}

// ValidateRow checks row against the table's column constraints. scanUnique
// is invoked only for unique (non-primary-key) columns to check for an
// existing row with the same value; refExists is invoked only for foreign
// key columns to check the referenced row exists.
func (t *Table) ValidateRow(row Row, scanUnique func(columnIndex int, val Value, excludePK Value) (bool, error), refExists func(table string, val Value) (bool, error)) error {
	if len(row) != len(t.Columns) {
		return errs.Valuef("row has %d values, table %s has %d columns", len(row), t.Name, len(t.Columns))
	}
	pk, err := t.PrimaryKey(row)
	if err != nil {
		return err
	}
	for i, col := range t.Columns {
		if err := col.validateValue(t, row[i], pk, i, scanUnique, refExists); err != nil {
			return err
		}
	}
	return nil
}

func (c *Column) validateValue(table *Table, val Value, pk Value, colIdx int,
	scanUnique func(columnIndex int, val Value, excludePK Value) (bool, error),
	refExists func(table string, val Value) (bool, error)) error {

	dtype, hasType := val.Datatype()
	switch {
	case !hasType && c.Nullable:
	case !hasType:
		return errs.Valuef("NULL value not allowed for column %s", c.Name)
	case hasType && dtype != c.Datatype:
		return errs.Valuef("invalid datatype %s for %s column %s", dtype, c.Datatype, c.Name)
	}

	if val.Kind == KindString && len(val.Str) > 1024 {
		return errs.Valuef("strings cannot be more than 1024 bytes")
	}

	if c.References != "" && val.Kind != KindNull {
		if c.References == table.Name && val.Equal(pk) {
			// self-reference to its own row is always fine
		} else {
			exists, err := refExists(c.References, val)
			if err != nil {
				return err
			}
			if !exists {
				return errs.Valuef("referenced primary key %s in table %s does not exist", val, c.References)
			}
		}
	}

	if c.Unique && !c.PrimaryKey && val.Kind != KindNull {
		dup, err := scanUnique(colIdx, val, pk)
		if err != nil {
			return err
		}
		if dup {
			return errs.Valuef("unique value %s already exists for column %s", val, c.Name)
		}
	}
	return nil
}
