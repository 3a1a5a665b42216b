package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM execution_plans").Scan(&count); err != nil {
			t.Errorf("query failed: %v", err)
		}
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
		{"user_version", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.verifyPragma(tt.name, tt.expected); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestOpenWith_RejectsUnknownDriver(t *testing.T) {
	if _, err := OpenWith(context.Background(), Options{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := OpenWith(context.Background(), Options{Driver: DriverSQLite}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	got := pg.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)")
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	lite := &Store{driver: DriverSQLite}
	if q := lite.rebind("a = ?"); q != "a = ?" {
		t.Errorf("sqlite rebind changed query: %q", q)
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- comment\nCREATE TABLE a (x INT);\n\n;CREATE TABLE b (y INT)\n")
	if len(stmts) != 2 {
		t.Fatalf("got %d statements: %q", len(stmts), stmts)
	}
	if stmts[0] != "CREATE TABLE a (x INT)" {
		t.Errorf("first statement = %q", stmts[0])
	}
}

// TestOpenWith_Postgres runs against a live server when
// CONDUCTOR_TEST_POSTGRES_URL is set.
func TestOpenWith_Postgres(t *testing.T) {
	url := os.Getenv("CONDUCTOR_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("CONDUCTOR_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	s, err := OpenWith(ctx, Options{Driver: DriverPostgres, DSN: url, MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("OpenWith() failed: %v", err)
	}
	defer s.Close()

	ep := createTestPlan("pg-plan")
	if err := s.SavePlan(ctx, ep); err != nil {
		t.Fatalf("SavePlan() failed: %v", err)
	}
	defer s.DeleteExecutionPlans(ctx, []string{ep.ID})
	got, err := s.LoadPlan(ctx, ep.ID)
	if err != nil {
		t.Fatalf("LoadPlan() failed: %v", err)
	}
	if len(got.Steps) != 2 {
		t.Errorf("loaded %d steps, want 2", len(got.Steps))
	}
}
