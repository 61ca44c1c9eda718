package dialect

import "testing"

func TestNew(t *testing.T) {
	for _, driver := range []string{"sqlite", "sqlite3", "SQLite"} {
		d, err := New(driver)
		if err != nil {
			t.Fatalf("New(%q): %v", driver, err)
		}
		if d.Name() != "sqlite" {
			t.Errorf("New(%q).Name() = %q", driver, d.Name())
		}
	}

	d, err := New("postgres")
	if err != nil {
		t.Fatalf("New(postgres): %v", err)
	}
	if d.Name() != "postgres" {
		t.Errorf("Name() = %q", d.Name())
	}

	if _, err := New("oracle"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestPostgresRebind(t *testing.T) {
	d, _ := New("postgres")

	got := d.Rebind("INSERT INTO t (a, b, c) VALUES (?, ?, ?)")
	want := "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)"
	if got != want {
		t.Errorf("Rebind = %q, want %q", got, want)
	}
}

func TestSqliteRebindPassthrough(t *testing.T) {
	d, _ := New("sqlite")

	query := "SELECT * FROM t WHERE a = ? AND b = ?"
	if got := d.Rebind(query); got != query {
		t.Errorf("Rebind = %q", got)
	}
}

func TestUpsertClause(t *testing.T) {
	sqlite, _ := New("sqlite")
	postgres, _ := New("postgres")

	got := sqlite.UpsertClause("name", []string{"config", "updated_at"})
	want := "ON CONFLICT(name) DO UPDATE SET config=excluded.config, updated_at=excluded.updated_at"
	if got != want {
		t.Errorf("sqlite upsert = %q", got)
	}

	got = postgres.UpsertClause("name", nil)
	want = "ON CONFLICT (name) DO NOTHING"
	if got != want {
		t.Errorf("postgres upsert = %q", got)
	}
}

func TestPragmas(t *testing.T) {
	sqlite, _ := New("sqlite")
	postgres, _ := New("postgres")

	if len(sqlite.PragmaStatements()) == 0 {
		t.Error("sqlite has no pragmas")
	}
	if len(postgres.PragmaStatements()) != 0 {
		t.Error("postgres should not use pragmas")
	}
}
