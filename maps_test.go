package plexus

import (
	"reflect"
	"testing"
)

func TestKeyMapCopyIsolation(t *testing.T) {
	orig := NewKeyMap()
	orig.Put("k", "v")
	fork := orig.Copy()
	fork.Put("k", "w")
	fork.Put("extra", 1)

	if got := orig.GetString("k"); got != "v" {
		t.Fatalf("original k = %q after copy mutation, want %q", got, "v")
	}
	if _, ok := orig.Get("extra"); ok {
		t.Fatal("copy write leaked into the original")
	}
	if got := fork.GetString("k"); got != "w" {
		t.Fatalf("fork k = %q, want %q", got, "w")
	}
}

func TestKeyMapReplaceAll(t *testing.T) {
	m := NewKeyMap()
	m.Put("a", 1)
	m.Put("b", 2)
	snap := m.Snapshot()
	m.Put("c", 3)
	m.Delete("a")

	m.ReplaceAll(snap)
	if m.Len() != 2 {
		t.Fatalf("len = %d after restore, want 2", m.Len())
	}
	if !reflect.DeepEqual(m.Keys(), []string{"a", "b"}) {
		t.Fatalf("keys = %v, want [a b]", m.Keys())
	}
}

func TestKeyMapGetString(t *testing.T) {
	m := NewKeyMapFrom(map[string]any{"s": "text", "n": 42})
	if m.GetString("s") != "text" {
		t.Fatalf("GetString(s) = %q", m.GetString("s"))
	}
	if m.GetString("n") != "" {
		t.Fatalf("GetString(n) = %q for a non-string, want empty", m.GetString("n"))
	}
	if m.GetString("missing") != "" {
		t.Fatalf("GetString(missing) = %q, want empty", m.GetString("missing"))
	}
}

func TestDestinationSetRemoveAdd(t *testing.T) {
	ds := NewDestinationSet(map[string]int{"D1": 1, "D2": 2})
	if !ds.Enabled(1) || !ds.Enabled(2) {
		t.Fatal("fresh set disables destinations")
	}
	if !ds.Remove("D2") {
		t.Fatal("Remove(D2) = false")
	}
	if ds.Remove("nope") {
		t.Fatal("Remove of unknown name = true")
	}
	if ds.Enabled(2) {
		t.Fatal("removed destination still enabled")
	}
	if !ds.Add("D2") {
		t.Fatal("Add(D2) = false")
	}
	if !ds.Enabled(2) {
		t.Fatal("re-added destination still disabled")
	}
	ds.RemoveID(1)
	if ds.Enabled(1) {
		t.Fatal("RemoveID left destination enabled")
	}
}

func TestGlobalMapsChannelScopedAndReset(t *testing.T) {
	Globals().Reset()
	t.Cleanup(Globals().Reset)

	a := Globals().Channel("chan-a")
	b := Globals().Channel("chan-b")
	a.Put("k", "va")
	if _, ok := b.Get("k"); ok {
		t.Fatal("globalChannelMap leaked across channels")
	}
	if Globals().Channel("chan-a") != a {
		t.Fatal("Channel did not return the same map instance")
	}

	Globals().Global().Put("g", 1)
	Globals().Reset()
	if _, ok := Globals().Global().Get("g"); ok {
		t.Fatal("Reset kept globalMap contents")
	}
	if _, ok := Globals().Channel("chan-a").Get("k"); ok {
		t.Fatal("Reset kept globalChannelMap contents")
	}
}
