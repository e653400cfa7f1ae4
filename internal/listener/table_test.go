package listener

import (
	"sync"
	"testing"
)

func TestTable_RegisterContains(t *testing.T) {
	tbl := NewTable()

	if tbl.Contains("+6281234") {
		t.Error("Contains() = true on empty table")
	}

	if !tbl.Register("+6281234", nil) {
		t.Fatal("Register() = false, want true")
	}
	if !tbl.Contains("+6281234") {
		t.Error("Contains() = false after register")
	}
	if tbl.Count() != 1 {
		t.Errorf("Count() = %d, want 1", tbl.Count())
	}

	// Double registration must be refused.
	if tbl.Register("+6281234", nil) {
		t.Error("Register() = true for duplicate identity")
	}
	if tbl.Count() != 1 {
		t.Errorf("Count() = %d after duplicate register, want 1", tbl.Count())
	}
}

func TestTable_Deregister(t *testing.T) {
	tbl := NewTable()
	tbl.Register("+6281234", nil)

	tbl.Deregister("+6281234")
	if tbl.Contains("+6281234") {
		t.Error("Contains() = true after deregister")
	}

	// Absent identity is a no-op.
	tbl.Deregister("+6281234")
}

func TestTable_IdentitiesSorted(t *testing.T) {
	tbl := NewTable()
	for _, id := range []string{"+30", "+10", "+20"} {
		tbl.Register(id, nil)
	}

	ids := tbl.Identities()
	want := []string{"+10", "+20", "+30"}
	if len(ids) != len(want) {
		t.Fatalf("Identities() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Identities()[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestTable_ConcurrentAccess(t *testing.T) {
	tbl := NewTable()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tbl.Register("+6281234", nil)
			tbl.Deregister("+6281234")
		}()
		go func() {
			defer wg.Done()
			tbl.Contains("+6281234")
			tbl.Identities()
			tbl.Count()
		}()
	}
	wg.Wait()
}
