package sqlstore

import (
	"context"
	"database/sql"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"

	xerrors "Treasury-Relay/internal/errors"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openSQLite(t)
	if err := Migrate(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 applied migrations, got %d", count)
	}
}

func TestMigrateRejectsModifiedMigration(t *testing.T) {
	db := openSQLite(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = '0001'`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := Migrate(context.Background(), db, DriverSQLite); err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "postgres", DSN: "x"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(context.Background(), Config{Driver: DriverMySQL}); err == nil {
		t.Fatalf("expected empty dsn error")
	}
}

func TestSplitSQLStatements(t *testing.T) {
	got := splitSQLStatements("-- a; comment\nCREATE TABLE a (x INT);\n\n  ;CREATE INDEX i ON a (x);  \n")
	if len(got) != 2 || got[0] != "CREATE TABLE a (x INT)" || got[1] != "CREATE INDEX i ON a (x)" {
		t.Fatalf("unexpected statements: %q", got)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_relay_jobs.sql": "0001",
		"0002.sql":            "0002",
		"noext":               "noext",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestIsDuplicate(t *testing.T) {
	if !IsDuplicate(&mysqldriver.MySQLError{Number: 1062}) {
		t.Fatalf("mysql 1062 should be a duplicate")
	}
	if IsDuplicate(&mysqldriver.MySQLError{Number: 1045}) {
		t.Fatalf("mysql 1045 is not a duplicate")
	}
	db := openSQLite(t)
	insert := `INSERT INTO proposals (address, governor, creator, program_id, accounts, data, created_at, updated_at) VALUES ('a', 'g', 'c', 'p', 0, '', 1, 1)`
	if _, err := db.Exec(insert); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := db.Exec(insert); !IsDuplicate(err) {
		t.Fatalf("expected sqlite duplicate, got %v", err)
	}
}

func exerciseRepository(t *testing.T, repo ProposalRepository) {
	t.Helper()
	ctx := context.Background()
	first := ProposalRecord{Address: "prop-1", Governor: "gov", Creator: "alice", ProgramID: "11111111111111111111111111111111", Accounts: 2, Data: "0x02", Signature: "sig-1", CreatedAt: 100}
	second := ProposalRecord{Address: "prop-2", Governor: "gov", Creator: "alice", ProgramID: "11111111111111111111111111111111", Accounts: 2, Data: "0x02", Signature: "sig-2", CreatedAt: 200}
	for _, r := range []ProposalRecord{first, second} {
		if err := repo.Save(ctx, r); err != nil {
			t.Fatalf("save %s: %v", r.Address, err)
		}
	}
	if err := repo.Save(ctx, first); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := repo.MarkExecuted(ctx, "prop-1", "exec-1"); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	if err := repo.MarkExecuted(ctx, "missing", "x"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	got, err := repo.Get(ctx, "prop-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Executed || got.ExecutedSignature != "exec-1" || got.Accounts != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}

	list, err := repo.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Address != "prop-2" || list[1].Address != "prop-1" {
		t.Fatalf("unexpected order: %+v", list)
	}
	list, err = repo.ListLatest(ctx, 1)
	if err != nil || len(list) != 1 {
		t.Fatalf("limit not applied: %+v %v", list, err)
	}
}

func TestSQLProposalRepository(t *testing.T) {
	repo := NewSQLProposalRepositoryFromDB(openSQLite(t))
	exerciseRepository(t, repo)
}

func TestFileProposalRepositoryReloads(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileProposalRepository(dir)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	exerciseRepository(t, repo)

	reopened, err := NewFileProposalRepository(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if !got.Executed {
		t.Fatalf("execution lost on reload: %+v", got)
	}
	list, _ := reopened.ListLatest(context.Background(), 0)
	if len(list) != 2 {
		t.Fatalf("expected 2 records after reload, got %d", len(list))
	}
}
