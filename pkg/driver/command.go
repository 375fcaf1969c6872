package driver

import (
	"bytes"
	"encoding/gob"

	"github.com/cuemby/ledger/pkg/catalog"
)

// Op discriminates the mutating commands a client can submit through
// ClientRequest{Mutate}. Commands are committed to the Raft log verbatim
// (gob-encoded) and only interpreted once applied.
type Op string

const (
	OpPut         Op = "put"
	OpDelete      Op = "delete"
	OpCreateTable Op = "create_table"
	OpDeleteTable Op = "delete_table"
	OpCreateRow   Op = "create_row"
	OpUpdateRow   Op = "update_row"
	OpDeleteRow   Op = "delete_row"
)

// Command is the gob-encoded envelope a Raft log entry's Command carries
// for a Mutate request. Only the fields relevant to Op are populated.
type Command struct {
	Op Op

	// OpPut / OpDelete: a flat byte-keyed put/delete against the "kv"
	// convenience table, for callers that don't need the relational
	// catalog (a convenience "put k=1"/"get k" path).
	Key   []byte
	Value []byte

	// OpCreateTable / OpDeleteTable
	Table     catalog.Table
	TableName string

	// OpCreateRow / OpUpdateRow / OpDeleteRow
	Row   catalog.Row
	RowID catalog.Value
}

// EncodeCommand gob-encodes c for submission as a ClientRequest{Mutate}'s
// command bytes.
func EncodeCommand(c Command) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(c)
	return buf.Bytes()
}

// DecodeCommand reverses EncodeCommand.
func DecodeCommand(b []byte) (Command, error) {
	var c Command
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&c); err != nil {
		return Command{}, err
	}
	return c, nil
}

func PutCommand(key, value []byte) Command { return Command{Op: OpPut, Key: key, Value: value} }
func DeleteCommand(key []byte) Command     { return Command{Op: OpDelete, Key: key} }

func CreateTableCommand(t catalog.Table) Command { return Command{Op: OpCreateTable, Table: t} }
func DeleteTableCommand(name string) Command     { return Command{Op: OpDeleteTable, TableName: name} }

func CreateRowCommand(table string, row catalog.Row) Command {
	return Command{Op: OpCreateRow, TableName: table, Row: row}
}
func UpdateRowCommand(table string, id catalog.Value, row catalog.Row) Command {
	return Command{Op: OpUpdateRow, TableName: table, RowID: id, Row: row}
}
func DeleteRowCommand(table string, id catalog.Value) Command {
	return Command{Op: OpDeleteRow, TableName: table, RowID: id}
}

// QueryOp discriminates the read-only commands a client can submit through
// ClientRequest{Query}. Queries never reach the Raft log; they execute
// directly (the linearizable-read path).
type QueryOp string

const (
	QueryGet        QueryOp = "get"
	QueryReadRow    QueryOp = "read_row"
	QueryScanRows   QueryOp = "scan_rows"
	QueryReadTable  QueryOp = "read_table"
	QueryScanTables QueryOp = "scan_tables"
)

// Query is the gob-encoded envelope a ClientRequest{Query}'s command bytes
// carry.
type Query struct {
	Op        QueryOp
	Key       []byte
	TableName string
	RowID     catalog.Value
}

func EncodeQuery(q Query) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(q)
	return buf.Bytes()
}

func DecodeQuery(b []byte) (Query, error) {
	var q Query
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&q); err != nil {
		return Query{}, err
	}
	return q, nil
}

func GetQuery(key []byte) Query { return Query{Op: QueryGet, Key: key} }
func ReadRowQuery(table string, id catalog.Value) Query {
	return Query{Op: QueryReadRow, TableName: table, RowID: id}
}
func ScanRowsQuery(table string) Query  { return Query{Op: QueryScanRows, TableName: table} }
func ReadTableQuery(table string) Query { return Query{Op: QueryReadTable, TableName: table} }
func ScanTablesQuery() Query            { return Query{Op: QueryScanTables} }

// Result is the gob-encoded envelope returned as a Response.State for both
// Mutate and Query requests handled by CatalogMachine.
type Result struct {
	Found  bool
	Value  []byte
	Row    catalog.Row
	Rows   []catalog.Row
	Table  catalog.Table
	Tables []catalog.Table
}

func EncodeResult(r Result) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(r)
	return buf.Bytes()
}

func DecodeResult(b []byte) (Result, error) {
	var r Result
	if len(b) == 0 {
		return Result{}, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		return Result{}, err
	}
	return r, nil
}
