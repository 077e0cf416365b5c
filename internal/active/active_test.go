package active

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadParsesLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "active")
	os.WriteFile(path, []byte("misc.test 0000000010 0000000001 y\nalt.alias 0000000000 0000000001 = misc.test\n"), 0o644)

	a, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g := a.Get("misc.test")
	if g == nil || g.High != 10 || g.Low != 1 || g.Flag != FlagNormal {
		t.Fatalf("Get(misc.test) = %+v", g)
	}
	alias := a.Get("alt.alias")
	if alias == nil || alias.Alias != "misc.test" {
		t.Fatalf("Get(alt.alias) = %+v", alias)
	}
}

func TestBumpHighMonotone(t *testing.T) {
	a := New()
	a.Add(&Group{Name: "misc.test", High: 5, Low: 1, Flag: FlagNormal})
	n, err := a.BumpHigh("misc.test")
	if err != nil || n != 6 {
		t.Fatalf("BumpHigh() = %d, %v; want 6, nil", n, err)
	}
	if _, err := a.BumpHigh("missing.group"); err == nil {
		t.Fatalf("expected error for unknown group")
	}
}

func TestAdoptHighNeverDecreases(t *testing.T) {
	a := New()
	a.Add(&Group{Name: "comp.lang.c", High: 1000, Low: 1, Flag: FlagNormal})
	if err := a.AdoptHigh("comp.lang.c", 1001); err != nil {
		t.Fatal(err)
	}
	if a.Get("comp.lang.c").High != 1001 {
		t.Errorf("expected high to advance to 1001")
	}
	if err := a.AdoptHigh("comp.lang.c", 500); err != nil {
		t.Fatal(err)
	}
	if a.Get("comp.lang.c").High != 1001 {
		t.Errorf("AdoptHigh must not decrease High, got %d", a.Get("comp.lang.c").High)
	}
}

func TestFlushRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "active")
	os.WriteFile(path, []byte(""), 0o644)
	a, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	a.Add(&Group{Name: "news.admin.peering", High: 42, Low: 1, Flag: FlagNormal})
	if err := a.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	a2, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if a2.Get("news.admin.peering").High != 42 {
		t.Errorf("expected flushed high water to round-trip")
	}
}
