package catalog

import (
	"github.com/cuemby/ledger/pkg/errs"
	"github.com/cuemby/ledger/pkg/mvcc"
)

// Txn is a catalog-level transaction: a thin adapter over mvcc.Transaction
// that interprets its keyspace as tables, rows, and secondary indexes
// instead of opaque byte strings.
type Txn struct {
	txn *mvcc.Transaction
}

// Begin starts a new catalog transaction against m.
func Begin(m *mvcc.MVCC) (*Txn, error) {
	txn, err := m.Begin()
	if err != nil {
		return nil, err
	}
	return &Txn{txn: txn}, nil
}

// BeginWithMode starts a new catalog transaction in the given mvcc.Mode.
func BeginWithMode(m *mvcc.MVCC, mode mvcc.Mode) (*Txn, error) {
	txn, err := m.BeginWithMode(mode)
	if err != nil {
		return nil, err
	}
	return &Txn{txn: txn}, nil
}

// Resume reconstructs a catalog transaction from its id.
func Resume(m *mvcc.MVCC, id uint64) (*Txn, error) {
	txn, err := m.Resume(id)
	if err != nil {
		return nil, err
	}
	return &Txn{txn: txn}, nil
}

// ID returns the underlying mvcc transaction id.
func (t *Txn) ID() uint64 { return t.txn.ID() }

// Mode returns the underlying mvcc transaction mode.
func (t *Txn) Mode() mvcc.Mode { return t.txn.Mode() }

// Commit finalizes the transaction.
func (t *Txn) Commit() error { return t.txn.Commit() }

// Rollback discards the transaction's writes.
func (t *Txn) Rollback() error { return t.txn.Rollback() }

// CreateTable registers a new table definition. The table must be
// well-formed (Table.Validate) and not already exist.
func (t *Txn) CreateTable(table Table) error {
	if _, ok, err := t.ReadTable(table.Name); err != nil {
		return err
	} else if ok {
		return errs.Valuef("table %s already exists", table.Name)
	}
	if err := table.Validate(t.lookupTable); err != nil {
		return err
	}
	return t.txn.Set(tableKey(table.Name).encode(), encodeTable(table))
}

// DeleteTable removes a table definition and every row in it. Fails if any
// other table still has a column referencing it (referential integrity at
// the schema level).
func (t *Txn) DeleteTable(name string) error {
	table, ok, err := t.ReadTable(name)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Valuef("table %s does not exist", name)
	}

	tables, err := t.ScanTables()
	if err != nil {
		return err
	}
	for _, other := range tables {
		if other.Name == name {
			continue
		}
		for _, col := range other.Columns {
			if col.References == name {
				return errs.Valuef("table %s is referenced by column %s.%s", name, other.Name, col.Name)
			}
		}
	}

	rows, err := t.Scan(name, nil)
	if err != nil {
		return err
	}
	for _, row := range rows {
		pk, err := table.PrimaryKey(row)
		if err != nil {
			return err
		}
		if err := t.removeFromIndexes(&table, row, pk); err != nil {
			return err
		}
		if err := t.txn.Delete(rowKey(name, pk).encode()); err != nil {
			return err
		}
	}

	return t.txn.Delete(tableKey(name).encode())
}

// ReadTable returns the named table's definition, if it exists.
func (t *Txn) ReadTable(name string) (Table, bool, error) {
	raw, err := t.txn.Get(tableKey(name).encode())
	if err != nil {
		return Table{}, false, err
	}
	if raw == nil {
		return Table{}, false, nil
	}
	table, err := decodeTable(raw)
	if err != nil {
		return Table{}, false, err
	}
	return table, true, nil
}

// MustReadTable returns the named table's definition, or an error if it
// does not exist.
func (t *Txn) MustReadTable(name string) (Table, error) {
	table, ok, err := t.ReadTable(name)
	if err != nil {
		return Table{}, err
	}
	if !ok {
		return Table{}, errs.Valuef("table %s does not exist", name)
	}
	return table, nil
}

func (t *Txn) lookupTable(name string) (*Table, error) {
	table, err := t.MustReadTable(name)
	if err != nil {
		return nil, err
	}
	return &table, nil
}

// ScanTables returns every registered table definition.
func (t *Txn) ScanTables() ([]Table, error) {
	lo := tablePrefixKey().encode()
	hi := append(append([]byte{}, lo...), 0xff)
	rows, err := t.txn.Scan(lo, hi)
	if err != nil {
		return nil, err
	}
	var tables []Table
	for _, kv := range rows {
		k, err := decodeKey(kv.Key)
		if err != nil {
			return nil, err
		}
		if k.kind != kindTable || k.table == "" {
			continue
		}
		table, err := decodeTable(kv.Value)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return tables, nil
}

// Create inserts a new row into table, validating its schema constraints
// and maintaining any secondary indexes the table declares.
func (t *Txn) Create(tableName string, row Row) error {
	table, err := t.MustReadTable(tableName)
	if err != nil {
		return err
	}
	if err := t.validateRow(&table, row); err != nil {
		return err
	}
	pk, err := table.PrimaryKey(row)
	if err != nil {
		return err
	}
	if existing, err := t.txn.Get(rowKey(tableName, pk).encode()); err != nil {
		return err
	} else if existing != nil {
		return errs.Valuef("primary key %s already exists in table %s", pk, tableName)
	}

	if err := t.txn.Set(rowKey(tableName, pk).encode(), encodeRow(row)); err != nil {
		return err
	}
	return t.addToIndexes(&table, row, pk)
}

// Update replaces the row identified by id with row, re-validating
// constraints and updating indexes to match the new values. Changing the
// primary key is a delete of the old row followed by a create of the new
// one, so both referential checks and index maintenance apply to the move.
func (t *Txn) Update(tableName string, id Value, row Row) error {
	table, err := t.MustReadTable(tableName)
	if err != nil {
		return err
	}
	old, ok, err := t.Read(tableName, id)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Valuef("row %s does not exist in table %s", id, tableName)
	}
	newPK, err := table.PrimaryKey(row)
	if err != nil {
		return err
	}
	if !newPK.Equal(id) {
		if err := t.Delete(tableName, id); err != nil {
			return err
		}
		return t.Create(tableName, row)
	}
	if err := t.validateRow(&table, row); err != nil {
		return err
	}

	if err := t.removeFromIndexes(&table, old, id); err != nil {
		return err
	}
	if err := t.txn.Set(rowKey(tableName, id).encode(), encodeRow(row)); err != nil {
		return err
	}
	return t.addToIndexes(&table, row, id)
}

// Delete removes the row identified by id, refusing if any other row still
// references it by foreign key.
func (t *Txn) Delete(tableName string, id Value) error {
	table, err := t.MustReadTable(tableName)
	if err != nil {
		return err
	}
	row, ok, err := t.Read(tableName, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := t.checkNoIncomingReferences(tableName, id); err != nil {
		return err
	}
	if err := t.removeFromIndexes(&table, row, id); err != nil {
		return err
	}
	return t.txn.Delete(rowKey(tableName, id).encode())
}

// Read returns the row identified by id, if it exists.
func (t *Txn) Read(tableName string, id Value) (Row, bool, error) {
	raw, err := t.txn.Get(rowKey(tableName, id).encode())
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	row, err := decodeRow(raw)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// Filter is a row predicate used by Scan in place of a parsed SQL
// expression; this package adapts rows to a catalog, it does not parse
// queries.
type Filter func(Row) (bool, error)

// Scan returns every row in table matching filter (or every row, if filter
// is nil), in primary-key order.
func (t *Txn) Scan(tableName string, filter Filter) ([]Row, error) {
	lo := rowPrefixKey(tableName).encode()
	hi := append(append([]byte{}, lo...), 0xff)
	kvs, err := t.txn.Scan(lo, hi)
	if err != nil {
		return nil, err
	}
	var rows []Row
	for _, kv := range kvs {
		k, err := decodeKey(kv.Key)
		if err != nil {
			return nil, err
		}
		if k.kind != kindRow || !k.hasVal {
			continue
		}
		row, err := decodeRow(kv.Value)
		if err != nil {
			return nil, err
		}
		if filter != nil {
			ok, err := filter(row)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ReadIndex returns the primary keys of every row whose column column holds
// value, using the column's secondary index.
func (t *Txn) ReadIndex(tableName, column string, value Value) ([]Value, error) {
	raw, err := t.txn.Get(indexKey(tableName, column, value).encode())
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return decodeIndexEntry(raw)
}

// ScanIndex returns every (indexed-value -> primary keys) entry recorded
// for column.
func (t *Txn) ScanIndex(tableName, column string) (map[string][]Value, error) {
	lo := indexPrefixKey(tableName, column).encode()
	hi := append(append([]byte{}, lo...), 0xff)
	kvs, err := t.txn.Scan(lo, hi)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Value)
	for _, kv := range kvs {
		k, err := decodeKey(kv.Key)
		if err != nil {
			return nil, err
		}
		if k.kind != kindIndex || !k.hasVal {
			continue
		}
		pks, err := decodeIndexEntry(kv.Value)
		if err != nil {
			return nil, err
		}
		out[k.value.String()] = pks
	}
	return out, nil
}

func (t *Txn) validateRow(table *Table, row Row) error {
	return table.ValidateRow(row,
		func(colIdx int, val Value, excludePK Value) (bool, error) {
			rows, err := t.Scan(table.Name, nil)
			if err != nil {
				return false, err
			}
			for _, r := range rows {
				if colIdx >= len(r) {
					continue
				}
				pk, err := table.PrimaryKey(r)
				if err != nil {
					return false, err
				}
				if r[colIdx].Equal(val) && !pk.Equal(excludePK) {
					return true, nil
				}
			}
			return false, nil
		},
		func(refTable string, val Value) (bool, error) {
			_, ok, err := t.Read(refTable, val)
			return ok, err
		},
	)
}

func (t *Txn) addToIndexes(table *Table, row Row, pk Value) error {
	for i, col := range table.Columns {
		if !col.Index || row[i].Kind == KindNull {
			continue
		}
		key := indexKey(table.Name, col.Name, row[i]).encode()
		raw, err := t.txn.Get(key)
		if err != nil {
			return err
		}
		var pks []Value
		if raw != nil {
			pks, err = decodeIndexEntry(raw)
			if err != nil {
				return err
			}
		}
		// Keep each bucket in value order so ReadIndex results are stable.
		at := len(pks)
		for i, candidate := range pks {
			if pk.Compare(candidate) < 0 {
				at = i
				break
			}
		}
		pks = append(pks, Value{})
		copy(pks[at+1:], pks[at:])
		pks[at] = pk
		if err := t.txn.Set(key, encodeIndexEntry(pks)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Txn) removeFromIndexes(table *Table, row Row, pk Value) error {
	for i, col := range table.Columns {
		if !col.Index || row[i].Kind == KindNull {
			continue
		}
		key := indexKey(table.Name, col.Name, row[i]).encode()
		raw, err := t.txn.Get(key)
		if err != nil {
			return err
		}
		if raw == nil {
			continue
		}
		pks, err := decodeIndexEntry(raw)
		if err != nil {
			return err
		}
		filtered := pks[:0]
		for _, candidate := range pks {
			if !candidate.Equal(pk) {
				filtered = append(filtered, candidate)
			}
		}
		if len(filtered) == 0 {
			if err := t.txn.Delete(key); err != nil {
				return err
			}
		} else if err := t.txn.Set(key, encodeIndexEntry(filtered)); err != nil {
			return err
		}
	}
	return nil
}

// checkNoIncomingReferences refuses a delete if any row in any table still
// holds a foreign key pointing at (tableName, id). A row referencing itself
// does not block its own deletion.
func (t *Txn) checkNoIncomingReferences(tableName string, id Value) error {
	tables, err := t.ScanTables()
	if err != nil {
		return err
	}
	for _, other := range tables {
		for _, col := range other.Columns {
			if col.References != tableName {
				continue
			}
			rows, err := t.Scan(other.Name, nil)
			if err != nil {
				return err
			}
			idx, err := other.ColumnIndex(col.Name)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if idx >= len(row) || !row[idx].Equal(id) {
					continue
				}
				if other.Name == tableName {
					pk, err := other.PrimaryKey(row)
					if err != nil {
						return err
					}
					if pk.Equal(id) {
						continue
					}
				}
				return errs.Valuef("row %s in table %s is referenced by %s.%s", id, tableName, other.Name, col.Name)
			}
		}
	}
	return nil
}
