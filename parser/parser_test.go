package parser

import "testing"

func TestParse_QueryTypes(t *testing.T) {
	tests := []struct {
		query string
		want  QueryType
	}{
		{"SELECT * FROM users", QuerySelect},
		{"select 1", QuerySelect},
		{"INSERT INTO t (a) VALUES (?)", QueryInsert},
		{"UPDATE t SET a = ?", QueryUpdate},
		{"DELETE FROM t WHERE id = ?", QueryDelete},
		{"SHOW TABLES", QueryUnknown},
	}

	for _, tt := range tests {
		got := Parse(tt.query)
		if got.Type != tt.want {
			t.Errorf("Parse(%q).Type = %v, want %v", tt.query, got.Type, tt.want)
		}
	}
}

func TestParse_Hints(t *testing.T) {
	p := Parse("/* hg:2 ttl:60 timeout:100 delay:5 file:user.go line:42 */ SELECT * FROM users WHERE id = ?")

	if p.Hostgroup != 2 {
		t.Errorf("Hostgroup = %d, want 2", p.Hostgroup)
	}
	if p.TTL != 60 {
		t.Errorf("TTL = %d, want 60", p.TTL)
	}
	if p.Timeout != 100 {
		t.Errorf("Timeout = %d, want 100", p.Timeout)
	}
	if p.Delay != 5 {
		t.Errorf("Delay = %d, want 5", p.Delay)
	}
	if p.File != "user.go" {
		t.Errorf("File = %q, want user.go", p.File)
	}
	if p.Line != 42 {
		t.Errorf("Line = %d, want 42", p.Line)
	}
	if p.Query != "SELECT * FROM users WHERE id = ?" {
		t.Errorf("Hint comment not stripped: %q", p.Query)
	}
}

func TestParse_NoHints(t *testing.T) {
	p := Parse("SELECT 1")
	if p.TTL != 0 || p.Timeout != 0 || p.Delay != 0 {
		t.Errorf("Unexpected hint values on plain query: %+v", p)
	}
	if p.Hostgroup != -1 {
		t.Errorf("Hostgroup = %d, want -1 (not specified)", p.Hostgroup)
	}
	if p.Query != "SELECT 1" {
		t.Errorf("Query changed: %q", p.Query)
	}
}

func TestParse_TTLIgnoredForWrites(t *testing.T) {
	p := Parse("/* ttl:60 */ INSERT INTO t (a) VALUES (?)")
	if p.TTL != 0 {
		t.Errorf("TTL on write = %d, want 0", p.TTL)
	}
}

func TestCountParams(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"SELECT 1", 0},
		{"SELECT ?", 1},
		{"SELECT ?, ?, ?", 3},
		{"SELECT '?' FROM t WHERE a = ?", 1},
		{"SELECT \"?\" FROM t WHERE a = ?", 1},
		{"SELECT 'it''s?' FROM t", 0}, // doubled quote reopens the literal, the ? stays inside
		{"SELECT 1 -- is this a param?", 0},
		{"INSERT INTO t VALUES (?, 'a?b', ?)", 2},
	}

	for _, tt := range tests {
		if got := CountParams(tt.query); got != tt.want {
			t.Errorf("CountParams(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
