package catalog

import (
	"testing"

	"github.com/cuemby/ledger/pkg/errs"
	"github.com/cuemby/ledger/pkg/mvcc"
	"github.com/cuemby/ledger/pkg/store"
)

func newTestCatalog(t *testing.T) *mvcc.MVCC {
	t.Helper()
	return mvcc.New(store.NewBTreeStore(store.DefaultOrder))
}

func usersTable() Table {
	return Table{
		Name: "users",
		Columns: []Column{
			{Name: "id", Datatype: Integer, PrimaryKey: true, Unique: true},
			{Name: "email", Datatype: String, Unique: true, Index: true},
			{Name: "age", Datatype: Integer, Nullable: true, Default: valuePtr(NullValue())},
		},
	}
}

func valuePtr(v Value) *Value { return &v }

func TestCreateTableValidation(t *testing.T) {
	m := newTestCatalog(t)
	txn, err := Begin(m)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := txn.CreateTable(usersTable()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := txn.CreateTable(usersTable()); err == nil {
		t.Fatal("expected error creating duplicate table")
	}

	noPK := Table{Name: "nopk", Columns: []Column{{Name: "x", Datatype: Integer}}}
	if err := txn.CreateTable(noPK); err == nil {
		t.Fatal("expected error creating table without primary key")
	}
}

func TestCreateReadRow(t *testing.T) {
	m := newTestCatalog(t)
	txn, _ := Begin(m)
	txn.CreateTable(usersTable())

	row := Row{IntValue(1), StringValue("a@example.com"), NullValue()}
	if err := txn.Create("users", row); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, ok, err := txn.Read("users", IntValue(1))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok {
		t.Fatal("row should exist")
	}
	if !got[1].Equal(StringValue("a@example.com")) {
		t.Fatalf("Read = %+v, want email a@example.com", got)
	}
}

func TestDuplicatePrimaryKeyRejected(t *testing.T) {
	m := newTestCatalog(t)
	txn, _ := Begin(m)
	txn.CreateTable(usersTable())
	txn.Create("users", Row{IntValue(1), StringValue("a@example.com"), NullValue()})

	err := txn.Create("users", Row{IntValue(1), StringValue("b@example.com"), NullValue()})
	if err == nil {
		t.Fatal("expected error creating duplicate primary key")
	}
}

func TestUniqueColumnRejectsDuplicate(t *testing.T) {
	m := newTestCatalog(t)
	txn, _ := Begin(m)
	txn.CreateTable(usersTable())
	txn.Create("users", Row{IntValue(1), StringValue("a@example.com"), NullValue()})

	err := txn.Create("users", Row{IntValue(2), StringValue("a@example.com"), NullValue()})
	if err == nil {
		t.Fatal("expected error creating duplicate unique email")
	}
	if errs.KindOf(err) != errs.KindValue {
		t.Fatalf("error kind = %v, want KindValue", errs.KindOf(err))
	}
}

func TestUpdateRow(t *testing.T) {
	m := newTestCatalog(t)
	txn, _ := Begin(m)
	txn.CreateTable(usersTable())
	txn.Create("users", Row{IntValue(1), StringValue("a@example.com"), NullValue()})

	updated := Row{IntValue(1), StringValue("new@example.com"), IntValue(30)}
	if err := txn.Update("users", IntValue(1), updated); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _, err := txn.Read("users", IntValue(1))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !got[1].Equal(StringValue("new@example.com")) {
		t.Fatalf("Read after update = %+v", got)
	}

	// the old index entry must have been removed
	pks, err := txn.ReadIndex("users", "email", StringValue("a@example.com"))
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if len(pks) != 0 {
		t.Fatalf("stale index entry survived update: %+v", pks)
	}
}

func TestUpdateWithNewPrimaryKeyMovesRow(t *testing.T) {
	m := newTestCatalog(t)
	txn, _ := Begin(m)
	txn.CreateTable(usersTable())
	txn.Create("users", Row{IntValue(1), StringValue("a@example.com"), NullValue()})

	// Changing the primary key is a delete of the old row plus a create of
	// the new one, index entries included.
	if err := txn.Update("users", IntValue(1), Row{IntValue(2), StringValue("a@example.com"), NullValue()}); err != nil {
		t.Fatalf("Update with new pk: %v", err)
	}
	if _, ok, _ := txn.Read("users", IntValue(1)); ok {
		t.Fatal("old row should be gone after pk change")
	}
	got, ok, err := txn.Read("users", IntValue(2))
	if err != nil || !ok {
		t.Fatalf("Read(2) = %v, %v, %v", got, ok, err)
	}
	pks, err := txn.ReadIndex("users", "email", StringValue("a@example.com"))
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if len(pks) != 1 || !pks[0].Equal(IntValue(2)) {
		t.Fatalf("index bucket after pk change = %+v, want [2]", pks)
	}
}

func TestDeleteRow(t *testing.T) {
	m := newTestCatalog(t)
	txn, _ := Begin(m)
	txn.CreateTable(usersTable())
	txn.Create("users", Row{IntValue(1), StringValue("a@example.com"), NullValue()})

	if err := txn.Delete("users", IntValue(1)); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := txn.Read("users", IntValue(1))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ok {
		t.Fatal("row should be gone after delete")
	}
	pks, err := txn.ReadIndex("users", "email", StringValue("a@example.com"))
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if len(pks) != 0 {
		t.Fatalf("index entry survived delete: %+v", pks)
	}
}

func TestReferentialIntegrityBlocksDanglingForeignKey(t *testing.T) {
	m := newTestCatalog(t)
	txn, _ := Begin(m)
	txn.CreateTable(usersTable())

	posts := Table{
		Name: "posts",
		Columns: []Column{
			{Name: "id", Datatype: Integer, PrimaryKey: true, Unique: true},
			{Name: "author_id", Datatype: Integer, References: "users"},
		},
	}
	if err := txn.CreateTable(posts); err != nil {
		t.Fatalf("CreateTable posts: %v", err)
	}

	err := txn.Create("posts", Row{IntValue(1), IntValue(99)})
	if err == nil {
		t.Fatal("expected error creating row with dangling foreign key")
	}

	txn.Create("users", Row{IntValue(1), StringValue("a@example.com"), NullValue()})
	if err := txn.Create("posts", Row{IntValue(1), IntValue(1)}); err != nil {
		t.Fatalf("Create posts with valid fk: %v", err)
	}
}

func TestReferentialIntegrityBlocksDeleteOfReferencedRow(t *testing.T) {
	m := newTestCatalog(t)
	txn, _ := Begin(m)
	txn.CreateTable(usersTable())
	posts := Table{
		Name: "posts",
		Columns: []Column{
			{Name: "id", Datatype: Integer, PrimaryKey: true, Unique: true},
			{Name: "author_id", Datatype: Integer, References: "users"},
		},
	}
	txn.CreateTable(posts)
	txn.Create("users", Row{IntValue(1), StringValue("a@example.com"), NullValue()})
	txn.Create("posts", Row{IntValue(1), IntValue(1)})

	if err := txn.Delete("users", IntValue(1)); err == nil {
		t.Fatal("expected error deleting a row still referenced by a foreign key")
	}
}

func TestDeleteTableRemovesRowsAndSchema(t *testing.T) {
	m := newTestCatalog(t)
	txn, _ := Begin(m)
	txn.CreateTable(usersTable())
	txn.Create("users", Row{IntValue(1), StringValue("a@example.com"), NullValue()})
	txn.Create("users", Row{IntValue(2), StringValue("b@example.com"), NullValue()})

	if err := txn.DeleteTable("users"); err != nil {
		t.Fatalf("DeleteTable: %v", err)
	}
	if _, ok, _ := txn.ReadTable("users"); ok {
		t.Fatal("table definition should be gone")
	}
	pks, err := txn.ReadIndex("users", "email", StringValue("a@example.com"))
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}
	if len(pks) != 0 {
		t.Fatalf("index entries survived table deletion: %+v", pks)
	}
}

func TestDeleteTableRejectsReferencedTable(t *testing.T) {
	m := newTestCatalog(t)
	txn, _ := Begin(m)
	txn.CreateTable(usersTable())
	posts := Table{
		Name: "posts",
		Columns: []Column{
			{Name: "id", Datatype: Integer, PrimaryKey: true, Unique: true},
			{Name: "author_id", Datatype: Integer, References: "users"},
		},
	}
	txn.CreateTable(posts)

	err := txn.DeleteTable("users")
	if err == nil {
		t.Fatal("expected error deleting a table another table references")
	}
	if errs.KindOf(err) != errs.KindValue {
		t.Fatalf("error kind = %v, want KindValue", errs.KindOf(err))
	}
}

func TestSelfReferencingRowCanDeleteItself(t *testing.T) {
	m := newTestCatalog(t)
	txn, _ := Begin(m)
	employees := Table{
		Name: "employees",
		Columns: []Column{
			{Name: "id", Datatype: Integer, PrimaryKey: true, Unique: true},
			{Name: "manager_id", Datatype: Integer, References: "employees"},
		},
	}
	if err := txn.CreateTable(employees); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := txn.Create("employees", Row{IntValue(1), IntValue(1)}); err != nil {
		t.Fatalf("Create self-referencing row: %v", err)
	}
	if err := txn.Create("employees", Row{IntValue(2), IntValue(1)}); err != nil {
		t.Fatalf("Create report row: %v", err)
	}

	// Row 1 is referenced by row 2, so it cannot go; row 2 only references
	// a row that is not itself being deleted, and its own self-cycle-free
	// delete succeeds.
	if err := txn.Delete("employees", IntValue(1)); err == nil {
		t.Fatal("expected delete of a row referenced by another row to fail")
	}
	if err := txn.Delete("employees", IntValue(2)); err != nil {
		t.Fatalf("Delete of unreferenced row: %v", err)
	}
	if err := txn.Delete("employees", IntValue(1)); err != nil {
		t.Fatalf("Delete of now-unreferenced self-referencing row: %v", err)
	}
}

func TestValueCompareOrdering(t *testing.T) {
	ordered := []Value{
		NullValue(),
		BoolValue(false),
		BoolValue(true),
		IntValue(-3),
		FloatValue(-2.5),
		IntValue(0),
		FloatValue(0.5),
		IntValue(1),
		StringValue("a"),
		StringValue("b"),
	}
	for i := range ordered {
		for j := range ordered {
			got := ordered[i].Compare(ordered[j])
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = 1
			}
			if got != want {
				t.Errorf("Compare(%s, %s) = %d, want %d", ordered[i], ordered[j], got, want)
			}
		}
	}
}

func TestScanAppliesFilter(t *testing.T) {
	m := newTestCatalog(t)
	txn, _ := Begin(m)
	txn.CreateTable(usersTable())
	txn.Create("users", Row{IntValue(1), StringValue("a@example.com"), IntValue(20)})
	txn.Create("users", Row{IntValue(2), StringValue("b@example.com"), IntValue(40)})

	rows, err := txn.Scan("users", func(r Row) (bool, error) {
		return r[2].Kind == KindInteger && r[2].Int >= 30, nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rows) != 1 || !rows[0][0].Equal(IntValue(2)) {
		t.Fatalf("Scan with filter = %+v, want only row 2", rows)
	}
}
