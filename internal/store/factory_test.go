package store

import (
	"context"
	"errors"
	"testing"
)

func TestRegisterFactory(t *testing.T) {
	scheme := "storetestcustom"
	RegisterFactory(scheme, func(dsn string, opts FactoryOptions) (Store, error) {
		return NewMemoryStore(), nil
	})
	st, err := BuildFromDSN(scheme+"://example", FactoryOptions{})
	if err != nil {
		t.Fatalf("build store via registered factory failed: %v", err)
	}
	if _, ok := st.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore from registered factory, got %T", st)
	}
}

func TestBuildFromDSNSchemes(t *testing.T) {
	cases := []struct {
		dsn  string
		want string
	}{
		{dsn: "memory://", want: "*store.MemoryStore"},
		{dsn: "postgres://user:pw@localhost:5432/onelink?sslmode=disable", want: "*store.SQLStore"},
		{dsn: "sqlite:///tmp/onelink.db", want: "*store.SQLStore"},
		{dsn: "https://project.example.co", want: "*store.RESTStore"},
	}
	for _, tc := range cases {
		st, err := BuildFromDSN(tc.dsn, FactoryOptions{})
		if err != nil {
			t.Fatalf("build %s failed: %v", tc.dsn, err)
		}
		if got := typeName(st); got != tc.want {
			t.Fatalf("dsn %s: expected %s, got %s", tc.dsn, tc.want, got)
		}
	}
}

func TestBuildFromDSNRejectsUnknownAndUnimplemented(t *testing.T) {
	if _, err := BuildFromDSN("mysql://localhost/onelink", FactoryOptions{}); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for mysql, got %v", err)
	}
	if _, err := BuildFromDSN("gopher://nowhere", FactoryOptions{}); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := BuildFromDSN("  ", FactoryOptions{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty dsn, got %v", err)
	}
}

func TestSQLiteDSNPathKeepsQuery(t *testing.T) {
	st, err := BuildFromDSN("sqlite://"+t.TempDir()+"/dsn.db?_pragma=busy_timeout(5000)", FactoryOptions{Bootstrap: true})
	if err != nil {
		t.Fatalf("build sqlite store failed: %v", err)
	}
	sqlStore := st.(*SQLStore)
	defer sqlStore.Close()
	if _, err := sqlStore.ListForScope(context.Background(), ViewDropSubmissions, "profile_1"); err != nil {
		t.Fatalf("list on bootstrapped sqlite store failed: %v", err)
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *MemoryStore:
		return "*store.MemoryStore"
	case *SQLStore:
		return "*store.SQLStore"
	case *RESTStore:
		return "*store.RESTStore"
	default:
		return "unknown"
	}
}
