package driver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ledger/pkg/catalog"
	"github.com/cuemby/ledger/pkg/mvcc"
	"github.com/cuemby/ledger/pkg/store"
)

func newTestMachine(t *testing.T) *CatalogMachine {
	t.Helper()
	mv := mvcc.New(store.NewBTreeStore(store.DefaultOrder))
	m, err := NewCatalogMachine(mv)
	require.NoError(t, err)
	return m
}

func TestPutThenGetRoundTrip(t *testing.T) {
	m := newTestMachine(t)

	_, err := m.Mutate(1, EncodeCommand(PutCommand([]byte("k"), []byte("1"))))
	require.NoError(t, err)

	resp, err := m.Query(EncodeQuery(GetQuery([]byte("k"))))
	require.NoError(t, err)
	result, err := DecodeResult(resp)
	require.NoError(t, err)
	require.True(t, result.Found)
	require.Equal(t, "1", string(result.Value))
}

func TestPutOverwritesExistingKey(t *testing.T) {
	m := newTestMachine(t)
	_, err := m.Mutate(1, EncodeCommand(PutCommand([]byte("k"), []byte("1"))))
	require.NoError(t, err)
	_, err = m.Mutate(2, EncodeCommand(PutCommand([]byte("k"), []byte("2"))))
	require.NoError(t, err)

	resp, err := m.Query(EncodeQuery(GetQuery([]byte("k"))))
	require.NoError(t, err)
	result, err := DecodeResult(resp)
	require.NoError(t, err)
	require.Equal(t, "2", string(result.Value))
}

func TestDeleteRemovesKey(t *testing.T) {
	m := newTestMachine(t)
	_, err := m.Mutate(1, EncodeCommand(PutCommand([]byte("k"), []byte("1"))))
	require.NoError(t, err)
	_, err = m.Mutate(2, EncodeCommand(DeleteCommand([]byte("k"))))
	require.NoError(t, err)

	resp, err := m.Query(EncodeQuery(GetQuery([]byte("k"))))
	require.NoError(t, err)
	result, err := DecodeResult(resp)
	require.NoError(t, err)
	require.False(t, result.Found)
}

func TestGetMissingKeyNotFound(t *testing.T) {
	m := newTestMachine(t)
	resp, err := m.Query(EncodeQuery(GetQuery([]byte("missing"))))
	require.NoError(t, err)
	result, err := DecodeResult(resp)
	require.NoError(t, err)
	require.False(t, result.Found)
}

func TestCreateTableAndRowsThroughCommands(t *testing.T) {
	m := newTestMachine(t)

	users := catalog.Table{
		Name: "users",
		Columns: []catalog.Column{
			{Name: "id", Datatype: catalog.Integer, PrimaryKey: true, Unique: true},
			{Name: "name", Datatype: catalog.String},
		},
	}
	_, err := m.Mutate(1, EncodeCommand(CreateTableCommand(users)))
	require.NoError(t, err)

	row := catalog.Row{catalog.IntValue(7), catalog.StringValue("ada")}
	_, err = m.Mutate(2, EncodeCommand(CreateRowCommand("users", row)))
	require.NoError(t, err)

	resp, err := m.Query(EncodeQuery(ReadRowQuery("users", catalog.IntValue(7))))
	require.NoError(t, err)
	result, err := DecodeResult(resp)
	require.NoError(t, err)
	require.True(t, result.Found)
	require.Equal(t, "ada", result.Row[1].Str)

	// A failed mutation rolls back and surfaces the validation error.
	_, err = m.Mutate(3, EncodeCommand(CreateRowCommand("users", row)))
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")
}
