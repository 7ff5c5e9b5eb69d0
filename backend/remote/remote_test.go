package remote

import "testing"

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	got := shellQuote("it's a test")
	want := `'it'\''s a test'`
	if got != want {
		t.Errorf("shellQuote: got %q, want %q", got, want)
	}
}

func TestParseSacctSkipsStepEntries(t *testing.T) {
	table := parseSacct("42_0|COMPLETED|0:0|00:01:00\n42_0.batch|COMPLETED|0:0|00:01:00\n42_1|PENDING|0:0|00:00:00\n")
	if len(table) != 2 {
		t.Fatalf("expected 2 rows, got %d: %+v", len(table), table)
	}
	if table["0"].State != "COMPLETED" || table["1"].State != "PENDING" {
		t.Errorf("unexpected table: %+v", table)
	}
}

func TestIdentityAuthRequiresFile(t *testing.T) {
	if _, err := identityAuth(""); err == nil {
		t.Error("expected error when identity_file is empty")
	}
}

func TestNewFromOptionsRequiresHostAndUser(t *testing.T) {
	if _, err := NewFromOptions(map[string]any{"user": "alice"}); err == nil {
		t.Error("expected error when host is missing")
	}
	if _, err := NewFromOptions(map[string]any{"host": "cluster.example.com"}); err == nil {
		t.Error("expected error when user is missing")
	}
}

func TestNewFromOptionsDefaultsPort(t *testing.T) {
	b, err := NewFromOptions(map[string]any{"host": "cluster.example.com", "user": "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rb := b.(*Backend)
	if rb.cfg.Port != 22 {
		t.Errorf("expected default port 22, got %d", rb.cfg.Port)
	}
}

func TestParentDir(t *testing.T) {
	if got := parentDir("/a/b/c.sh"); got != "/a/b" {
		t.Errorf("parentDir: got %q, want /a/b", got)
	}
	if got := parentDir("c.sh"); got != "." {
		t.Errorf("parentDir: got %q, want .", got)
	}
}
