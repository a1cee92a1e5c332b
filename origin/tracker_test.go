package origin

import (
	"testing"
	"time"
)

func TestMemoryIsLocalConsumesMark(t *testing.T) {
	tr := NewMemory(time.Minute)
	t.Cleanup(tr.Close)

	tr.Mark("d")
	if !tr.IsLocal("d") {
		t.Fatal("expected first lookup to report a local mark")
	}
	if tr.IsLocal("d") {
		t.Fatal("expected mark to be consumed by the first lookup")
	}
}

func TestMemoryUnknownID(t *testing.T) {
	tr := NewMemory(time.Minute)
	t.Cleanup(tr.Close)

	if tr.IsLocal("missing") {
		t.Fatal("expected unknown id to be remote")
	}
	if tr.IsLocal("") {
		t.Fatal("expected empty id to be remote")
	}
}

func TestMemoryMarkExpires(t *testing.T) {
	tr := NewMemory(30 * time.Millisecond)
	t.Cleanup(tr.Close)

	tr.Mark("d")
	time.Sleep(80 * time.Millisecond)
	if tr.IsLocal("d") {
		t.Fatal("expected mark to expire after the window")
	}
}

func TestMemoryRemarkRestartsWindow(t *testing.T) {
	tr := NewMemory(120 * time.Millisecond)
	t.Cleanup(tr.Close)

	tr.Mark("d")
	time.Sleep(70 * time.Millisecond)
	tr.Mark("d")
	time.Sleep(70 * time.Millisecond)
	if !tr.IsLocal("d") {
		t.Fatal("expected second mark to restart the window")
	}
}

func TestNewMemoryDefaultsWindow(t *testing.T) {
	tr := NewMemory(0)
	t.Cleanup(tr.Close)

	tr.Mark("a")
	if tr.Len() != 1 {
		t.Fatalf("expected 1 mark, got %d", tr.Len())
	}
}

func TestScopesSharingTrackerDoNotConsumeEachOther(t *testing.T) {
	tr := NewMemory(time.Minute)
	t.Cleanup(tr.Close)
	a := Scope(tr, "a")
	b := Scope(tr, "b")

	a.Mark("d")
	if b.IsLocal("d") {
		t.Fatal("expected mark from another scope to be remote")
	}
	if !a.IsLocal("d") {
		t.Fatal("expected owning scope to still see its mark")
	}
	if tr.Len() != 0 {
		t.Fatalf("expected consumed mark to be gone, got %d", tr.Len())
	}
}

func TestScopeIgnoresEmptyID(t *testing.T) {
	tr := NewMemory(time.Minute)
	t.Cleanup(tr.Close)
	s := Scope(tr, "a")

	s.Mark("")
	if tr.Len() != 0 {
		t.Fatalf("expected empty id not to be marked, got %d", tr.Len())
	}
	if s.IsLocal("") {
		t.Fatal("expected empty id to be remote")
	}
}
