package prompt

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Mock DB
// ---------------------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.queryRowFunc(ctx, sql, args...)
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return m.execFunc(ctx, sql, args...)
}

func TestPostgresStore_Lookup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		scan    func(dest ...any) error
		want    string
		wantErr error
	}{
		{
			name: "hit",
			scan: func(dest ...any) error {
				*dest[0].(*string) = "You are Acme support."
				return nil
			},
			want: "You are Acme support.",
		},
		{
			name:    "no rows",
			scan:    func(...any) error { return pgx.ErrNoRows },
			wantErr: ErrNotFound,
		},
		{
			name:    "driver error",
			scan:    func(...any) error { return errors.New("conn reset") },
			wantErr: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotSQL string
			var gotArgs []any
			db := &mockDB{queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
				gotSQL, gotArgs = sql, args
				return &mockRow{scanFunc: tt.scan}
			}}
			text, err := NewPostgresStore(db).Lookup(context.Background(), "+15550100")

			if !strings.Contains(gotSQL, "FROM call_prompts WHERE lookup_key = $1") {
				t.Errorf("sql = %q", gotSQL)
			}
			if len(gotArgs) != 1 || gotArgs[0] != "+15550100" {
				t.Errorf("args = %v", gotArgs)
			}
			switch {
			case tt.name == "driver error":
				if err == nil || errors.Is(err, ErrNotFound) || !IsStoreFailure(err) {
					t.Errorf("err = %v, want a store failure", err)
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
			default:
				if err != nil || text != tt.want {
					t.Errorf("Lookup = %q, %v", text, err)
				}
			}
		})
	}
}

func TestPostgresStore_MigrateAndWrites(t *testing.T) {
	t.Parallel()

	var statements []string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		statements = append(statements, sql)
		return pgconn.CommandTag{}, nil
	}}
	s := NewPostgresStore(db)
	ctx := context.Background()

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.Put(ctx, "k", "v"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(statements) != 3 || !strings.Contains(statements[0], "CREATE TABLE IF NOT EXISTS call_prompts") ||
		!strings.Contains(statements[1], "ON CONFLICT") || !strings.HasPrefix(statements[2], "DELETE") {
		t.Errorf("statements = %q", statements)
	}

	failing := NewPostgresStore(&mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}})
	if err := failing.Migrate(ctx); err == nil || !strings.HasPrefix(err.Error(), "prompt: migrate") {
		t.Errorf("Migrate err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Integration
// ---------------------------------------------------------------------------

// testDSN returns the test database DSN from the environment, or skips the
// test if CALLBRIDGE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CALLBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALLBRIDGE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestPostgresStore_Integration(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := OpenPool(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	const key = "integration-test-key"
	t.Cleanup(func() { _ = s.Delete(context.Background(), key) })

	if _, err := s.Lookup(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup before Put = %v", err)
	}
	if err := s.Put(ctx, key, "first"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, key, "second"); err != nil {
		t.Fatalf("Put (upsert): %v", err)
	}
	got, err := s.Lookup(ctx, key)
	if err != nil || got != "second" {
		t.Errorf("Lookup = %q, %v", got, err)
	}

	r := NewResolver(s, "default")
	if got := r.Resolve(ctx, key); got != "second" {
		t.Errorf("Resolve = %q", got)
	}
}
