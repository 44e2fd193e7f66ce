package stmt

import "testing"

func TestComputeFingerprint_Deterministic(t *testing.T) {
	a := ComputeFingerprint(1, "app", "db1", "SELECT 1")
	b := ComputeFingerprint(1, "app", "db1", "SELECT 1")
	if a != b {
		t.Errorf("Identical inputs produced different fingerprints: %x vs %x", a, b)
	}
}

func TestComputeFingerprint_FieldSensitivity(t *testing.T) {
	base := ComputeFingerprint(1, "app", "db1", "SELECT 1")

	variants := map[string]uint64{
		"hostgroup": ComputeFingerprint(2, "app", "db1", "SELECT 1"),
		"username":  ComputeFingerprint(1, "app2", "db1", "SELECT 1"),
		"schema":    ComputeFingerprint(1, "app", "db2", "SELECT 1"),
		"query":     ComputeFingerprint(1, "app", "db1", "SELECT 2"),
	}

	for field, got := range variants {
		if got == base {
			t.Errorf("Changing %s did not change the fingerprint", field)
		}
	}
}

func TestComputeFingerprint_FieldBoundaries(t *testing.T) {
	// "ab"+"c" must not hash the same as "a"+"bc"
	a := ComputeFingerprint(1, "ab", "c", "SELECT 1")
	b := ComputeFingerprint(1, "a", "bc", "SELECT 1")
	if a == b {
		t.Errorf("Field boundary collision: (ab,c) and (a,bc) both hash to %x", a)
	}

	c := ComputeFingerprint(1, "app", "db1SELECT", " 1")
	d := ComputeFingerprint(1, "app", "db1", "SELECT 1")
	if c == d {
		t.Errorf("Field boundary collision between schema and query: %x", c)
	}
}
