package driver

import (
	"github.com/cuemby/ledger/pkg/catalog"
	"github.com/cuemby/ledger/pkg/errs"
	"github.com/cuemby/ledger/pkg/mvcc"
)

// kvTable is the convenience single-column-pair table CatalogMachine
// creates lazily for OpPut/OpDelete/QueryGet, so a caller that just wants a
// byte-keyed store doesn't need to declare a schema first.
const kvTable = "kv"

// CatalogMachine is the concrete StateMachine the server wires up: it
// decodes the gob Command/Query envelopes and drives pkg/catalog inside one
// pkg/mvcc transaction per call.
type CatalogMachine struct {
	mv *mvcc.MVCC
}

// NewCatalogMachine wraps mv, ensuring the "kv" convenience table exists.
func NewCatalogMachine(mv *mvcc.MVCC) (*CatalogMachine, error) {
	m := &CatalogMachine{mv: mv}
	if err := m.ensureKVTable(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CatalogMachine) ensureKVTable() error {
	txn, err := catalog.Begin(m.mv)
	if err != nil {
		return err
	}
	if _, ok, err := txn.ReadTable(kvTable); err != nil {
		txn.Rollback()
		return err
	} else if ok {
		return txn.Rollback()
	}
	table := catalog.Table{
		Name: kvTable,
		Columns: []catalog.Column{
			{Name: "key", Datatype: catalog.String, PrimaryKey: true, Unique: true},
			{Name: "value", Datatype: catalog.String},
		},
	}
	if err := txn.CreateTable(table); err != nil {
		txn.Rollback()
		return err
	}
	return txn.Commit()
}

// Mutate executes one committed command inside a fresh read-write
// transaction, committing on success or rolling back and surfacing the
// error (never Internal, beyond invariant bugs) to the client on failure.
func (m *CatalogMachine) Mutate(index uint64, command []byte) ([]byte, error) {
	cmd, err := DecodeCommand(command)
	if err != nil {
		return nil, errs.Internalf("decode command at index %d: %v", index, err)
	}

	txn, err := catalog.Begin(m.mv)
	if err != nil {
		return nil, err
	}

	result, err := m.apply(txn, cmd)
	if err != nil {
		txn.Rollback()
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return EncodeResult(result), nil
}

func (m *CatalogMachine) apply(txn *catalog.Txn, cmd Command) (Result, error) {
	switch cmd.Op {
	case OpPut:
		pk := catalog.StringValue(string(cmd.Key))
		row := catalog.Row{pk, catalog.StringValue(string(cmd.Value))}
		if _, ok, err := txn.Read(kvTable, pk); err != nil {
			return Result{}, err
		} else if ok {
			return Result{}, txn.Update(kvTable, pk, row)
		}
		return Result{}, txn.Create(kvTable, row)

	case OpDelete:
		pk := catalog.StringValue(string(cmd.Key))
		return Result{}, txn.Delete(kvTable, pk)

	case OpCreateTable:
		return Result{}, txn.CreateTable(cmd.Table)

	case OpDeleteTable:
		return Result{}, txn.DeleteTable(cmd.TableName)

	case OpCreateRow:
		return Result{}, txn.Create(cmd.TableName, cmd.Row)

	case OpUpdateRow:
		return Result{}, txn.Update(cmd.TableName, cmd.RowID, cmd.Row)

	case OpDeleteRow:
		return Result{}, txn.Delete(cmd.TableName, cmd.RowID)

	default:
		return Result{}, errs.Valuef("unknown command op %q", cmd.Op)
	}
}

// Query executes a read-only command against a ReadOnly mvcc transaction,
// never touching the Raft log.
func (m *CatalogMachine) Query(command []byte) ([]byte, error) {
	q, err := DecodeQuery(command)
	if err != nil {
		return nil, errs.Internalf("decode query: %v", err)
	}

	txn, err := catalog.BeginWithMode(m.mv, mvcc.ModeReadOnly)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	result, err := m.read(txn, q)
	if err != nil {
		return nil, err
	}
	return EncodeResult(result), nil
}

func (m *CatalogMachine) read(txn *catalog.Txn, q Query) (Result, error) {
	switch q.Op {
	case QueryGet:
		row, ok, err := txn.Read(kvTable, catalog.StringValue(string(q.Key)))
		if err != nil || !ok {
			return Result{Found: false}, err
		}
		return Result{Found: true, Value: []byte(row[1].Str)}, nil

	case QueryReadRow:
		row, ok, err := txn.Read(q.TableName, q.RowID)
		if err != nil {
			return Result{}, err
		}
		return Result{Found: ok, Row: row}, nil

	case QueryScanRows:
		rows, err := txn.Scan(q.TableName, nil)
		if err != nil {
			return Result{}, err
		}
		return Result{Rows: rows}, nil

	case QueryReadTable:
		table, ok, err := txn.ReadTable(q.TableName)
		if err != nil {
			return Result{}, err
		}
		return Result{Found: ok, Table: table}, nil

	case QueryScanTables:
		tables, err := txn.ScanTables()
		if err != nil {
			return Result{}, err
		}
		return Result{Tables: tables}, nil

	default:
		return Result{}, errs.Valuef("unknown query op %q", q.Op)
	}
}
