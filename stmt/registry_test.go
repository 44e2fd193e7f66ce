package stmt

import (
	"fmt"
	"sync"
	"testing"
)

func addSelect1(r *Registry) *Descriptor {
	d, _ := r.AddPreparedStatement(1, "app", "db1", "SELECT 1", BackendMeta{NumParams: 0}, Properties{})
	return d
}

func TestRegistry_DedupHit(t *testing.T) {
	r := NewRegistry()

	d1 := addSelect1(r)
	if d1.StatementID != 1 {
		t.Errorf("First statement id = %d, want 1", d1.StatementID)
	}
	if n, _ := r.RefCount(d1.StatementID, 0); n != 1 {
		t.Errorf("Reference count after first add = %d, want 1", n)
	}
	if r.TotalPreparedStatements() != 1 {
		t.Errorf("TotalPreparedStatements() = %d, want 1", r.TotalPreparedStatements())
	}

	d2 := addSelect1(r)
	if d2 != d1 {
		t.Error("Identical add should return the same descriptor (dedup hit)")
	}
	if n, _ := r.RefCount(d1.StatementID, 0); n != 2 {
		t.Errorf("Reference count after dedup hit = %d, want 2", n)
	}
	if r.TotalPreparedStatements() != 1 {
		t.Errorf("TotalPreparedStatements() after dedup = %d, want 1 (no new id)", r.TotalPreparedStatements())
	}
}

func TestRegistry_DistinctStatements(t *testing.T) {
	r := NewRegistry()

	d1 := addSelect1(r)
	d2, _ := r.AddPreparedStatement(1, "app", "db1", "SELECT 2", BackendMeta{}, Properties{})

	if d1.StatementID == d2.StatementID {
		t.Fatalf("Distinct statements share id %d", d1.StatementID)
	}
	if d2.StatementID <= d1.StatementID {
		t.Errorf("Ids not strictly increasing: %d then %d", d1.StatementID, d2.StatementID)
	}
	if r.TotalPreparedStatements() != 2 {
		t.Errorf("TotalPreparedStatements() = %d, want 2", r.TotalPreparedStatements())
	}

	// Same query on a different hostgroup is a different statement
	d3, _ := r.AddPreparedStatement(2, "app", "db1", "SELECT 1", BackendMeta{}, Properties{})
	if d3.StatementID == d1.StatementID {
		t.Error("Same query on a different hostgroup should get its own descriptor")
	}
}

func TestRegistry_FindByBothKeys(t *testing.T) {
	r := NewRegistry()
	d := addSelect1(r)

	byID, ok := r.FindByStatementID(d.StatementID)
	if !ok || byID != d {
		t.Error("FindByStatementID did not return the registered descriptor")
	}

	byHash, ok := r.FindByFingerprint(d.Fingerprint)
	if !ok || byHash != d {
		t.Error("FindByFingerprint did not return the registered descriptor")
	}

	if _, ok := r.FindByStatementID(999); ok {
		t.Error("FindByStatementID(999) should report not-found")
	}
}

func TestRegistry_ZeroCollapse(t *testing.T) {
	r := NewRegistry()

	d := addSelect1(r)
	addSelect1(r) // ref 2

	if n, _ := r.RefCount(d.StatementID, -1); n != 1 {
		t.Errorf("Count after first decrement = %d, want 1", n)
	}
	if _, ok := r.FindByStatementID(d.StatementID); !ok {
		t.Error("Descriptor should still be live at count 1")
	}

	if n, _ := r.RefCount(d.StatementID, -1); n != 0 {
		t.Errorf("Count after second decrement = %d, want 0", n)
	}
	if _, ok := r.FindByStatementID(d.StatementID); ok {
		t.Error("Descriptor still findable by id after count reached 0")
	}
	if _, ok := r.FindByFingerprint(d.Fingerprint); ok {
		t.Error("Descriptor still findable by fingerprint after count reached 0")
	}
	if _, found := r.RefCount(d.StatementID, -1); found {
		t.Error("RefCount on a destroyed id should report not-found")
	}

	// Total is monotonic, destruction does not roll it back
	if r.TotalPreparedStatements() != 1 {
		t.Errorf("TotalPreparedStatements() after destroy = %d, want 1", r.TotalPreparedStatements())
	}
	if r.Live() != 0 {
		t.Errorf("Live() after destroy = %d, want 0", r.Live())
	}

	// Re-registering mints a fresh id, never reuses the old one
	d2 := addSelect1(r)
	if d2.StatementID != 2 {
		t.Errorf("Re-registered statement id = %d, want 2 (no id reuse)", d2.StatementID)
	}
}

func TestRegistry_NegativeDecrementIgnored(t *testing.T) {
	r := NewRegistry()
	d := addSelect1(r)

	if n, _ := r.RefCount(d.StatementID, -5); n != 1 {
		t.Errorf("Decrement below zero should be ignored, count = %d, want 1", n)
	}
	if _, ok := r.FindByStatementID(d.StatementID); !ok {
		t.Error("Descriptor should survive a rejected decrement")
	}
}

func TestRegistry_FillResultMeta(t *testing.T) {
	r := NewRegistry()
	d := addSelect1(r)

	fields := []Field{{Name: "a"}, {Name: "b"}}
	if !r.FillResultMeta(d.StatementID, 2, fields) {
		t.Fatal("First FillResultMeta should record the shape")
	}
	if d.NumColumns != 2 || len(d.Fields) != 2 {
		t.Errorf("Result shape not recorded: cols=%d fields=%d", d.NumColumns, len(d.Fields))
	}

	if r.FillResultMeta(d.StatementID, 5, nil) {
		t.Error("Second FillResultMeta should be a no-op")
	}
	if d.NumColumns != 2 {
		t.Errorf("Second FillResultMeta overwrote the shape: cols=%d, want 2", d.NumColumns)
	}

	if r.FillResultMeta(999, 1, nil) {
		t.Error("FillResultMeta on an unknown id should report false")
	}
}

// TestRegistry_Scenario walks the end-to-end example: two identical adds, a
// distinct add, then decrement to destruction.
func TestRegistry_Scenario(t *testing.T) {
	r := NewRegistry()

	d1, _ := r.AddPreparedStatement(1, "app", "db1", "SELECT 1", BackendMeta{}, Properties{})
	if d1.StatementID != 1 {
		t.Fatalf("id = %d, want 1", d1.StatementID)
	}
	if r.TotalPreparedStatements() != 1 {
		t.Fatalf("total = %d, want 1", r.TotalPreparedStatements())
	}

	if _, created := r.AddPreparedStatement(1, "app", "db1", "SELECT 1", BackendMeta{}, Properties{}); created {
		t.Fatal("identical add should be a dedup hit, not a new descriptor")
	}
	if n, _ := r.RefCount(1, 0); n != 2 {
		t.Fatalf("ref = %d, want 2", n)
	}
	if r.TotalPreparedStatements() != 1 {
		t.Fatalf("total = %d, want 1", r.TotalPreparedStatements())
	}

	d2, _ := r.AddPreparedStatement(1, "app", "db1", "SELECT 2", BackendMeta{}, Properties{})
	if d2.StatementID != 2 {
		t.Fatalf("id = %d, want 2", d2.StatementID)
	}
	if r.TotalPreparedStatements() != 2 {
		t.Fatalf("total = %d, want 2", r.TotalPreparedStatements())
	}

	r.RefCount(1, -1)
	r.RefCount(1, -1)
	if _, ok := r.FindByStatementID(1); ok {
		t.Error("Descriptor 1 should be destroyed")
	}
	hash := ComputeFingerprint(1, "app", "db1", "SELECT 1")
	if _, ok := r.FindByFingerprint(hash); ok {
		t.Error("Fingerprint of destroyed descriptor should report not-found")
	}
	if r.TotalPreparedStatements() != 2 {
		t.Errorf("total = %d, want 2 (monotonic)", r.TotalPreparedStatements())
	}
}

// TestRegistry_ConcurrentIdenticalAdds has N goroutines register the same
// statement at once; exactly one descriptor must come out of it, with a
// reference count of N.
func TestRegistry_ConcurrentIdenticalAdds(t *testing.T) {
	r := NewRegistry()
	const goroutines = 64

	ids := make(chan uint32, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := addSelect1(r)
			ids <- d.StatementID
		}()
	}
	wg.Wait()
	close(ids)

	first := uint32(0)
	for id := range ids {
		if first == 0 {
			first = id
		} else if id != first {
			t.Fatalf("Concurrent identical adds produced ids %d and %d", first, id)
		}
	}

	if n, _ := r.RefCount(first, 0); n != goroutines {
		t.Errorf("Reference count = %d, want %d", n, goroutines)
	}
	if r.TotalPreparedStatements() != 1 {
		t.Errorf("TotalPreparedStatements() = %d, want 1", r.TotalPreparedStatements())
	}
	if r.Live() != 1 {
		t.Errorf("Live() = %d, want 1", r.Live())
	}
}

// TestRegistry_ConcurrentMixed hammers the registry with distinct adds,
// lookups and decrements to let the race detector chew on the lock paths.
func TestRegistry_ConcurrentMixed(t *testing.T) {
	r := NewRegistry()
	const goroutines = 16
	const perGoroutine = 50

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				q := fmt.Sprintf("SELECT %d", i)
				d, _ := r.AddPreparedStatement(uint32(g%4), "app", "db1", q, BackendMeta{}, Properties{})
				r.FindByStatementID(d.StatementID)
				r.FindByFingerprint(d.Fingerprint)
				r.RefCount(d.StatementID, -1)
			}
		}(g)
	}
	wg.Wait()

	if r.Live() != 0 {
		t.Errorf("Live() = %d after balanced add/decrement, want 0", r.Live())
	}
	if r.TotalPreparedStatements() == 0 {
		t.Error("TotalPreparedStatements() should be positive after adds")
	}
}

func BenchmarkRegistry_DedupHit(b *testing.B) {
	r := NewRegistry()
	addSelect1(r)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d := addSelect1(r)
		r.RefCount(d.StatementID, -1)
	}
}

func BenchmarkComputeFingerprint(b *testing.B) {
	for i := 0; i < b.N; i++ {
		ComputeFingerprint(1, "app", "db1", "SELECT id, name FROM users WHERE id = ?")
	}
}
