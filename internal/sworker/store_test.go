package sworker

import (
	"fmt"
	"net/http"
	"testing"
	"time"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	lv, err := openMemLevelStore()
	if err != nil {
		t.Fatalf("openMemLevelStore: %v", err)
	}
	t.Cleanup(func() { _ = lv.Close() })
	return map[string]Store{
		"memory":  newMemoryStore(),
		"leveldb": lv,
	}
}

func TestStore_PutGetDelete(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			p := s.Partition("images-v1")
			h := http.Header{"Content-Type": {"image/png"}}
			ent := newEntry("https://cdn.example/a.png", 200, h, []byte("png"), time.Now())
			if err := p.Put("https://cdn.example/a.png", ent); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, ok, err := p.Get("https://cdn.example/a.png")
			if err != nil || !ok {
				t.Fatalf("Get = ok %v err %v, want hit", ok, err)
			}
			if string(got.Body) != "png" || got.Header.Get("Content-Type") != "image/png" {
				t.Fatalf("Get = %+v", got)
			}
			if err := p.Delete("https://cdn.example/a.png"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, ok, _ := p.Get("https://cdn.example/a.png"); ok {
				t.Fatalf("entry still present after Delete")
			}
		})
	}
}

func TestStore_TrimKeepsNewest(t *testing.T) {
	const max, extra = 5, 3
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			p := s.Partition("static-assets-v1")
			for i := 0; i < max+extra; i++ {
				key := fmt.Sprintf("https://cdn.example/%d.css", i)
				if err := p.Put(key, Entry{URL: key, Status: 200}); err != nil {
					t.Fatalf("Put: %v", err)
				}
				if _, err := trimPartition(p, max); err != nil {
					t.Fatalf("trimPartition: %v", err)
				}
			}
			keys, _ := p.Keys()
			if len(keys) != max {
				t.Fatalf("len(keys) = %d, want %d", len(keys), max)
			}
			for i, k := range keys {
				want := fmt.Sprintf("https://cdn.example/%d.css", i+extra)
				if k != want {
					t.Fatalf("keys[%d] = %q, want %q", i, k, want)
				}
			}
		})
	}
}

func TestStore_RePutBecomesNewest(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			p := s.Partition("api-v1")
			for _, k := range []string{"a", "b", "c"} {
				_ = p.Put(k, Entry{URL: k, Status: 200})
			}
			_ = p.Put("a", Entry{URL: "a", Status: 200})
			if n, _ := trimPartition(p, 2); n != 1 {
				t.Fatalf("evicted = %d, want 1", n)
			}
			keys, _ := p.Keys()
			if len(keys) != 2 || keys[0] != "c" || keys[1] != "a" {
				t.Fatalf("keys = %v, want [c a]", keys)
			}
		})
	}
}

func TestStore_NamesAndDrop(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.Partition("images-v1").Put("x", Entry{Status: 200})
			_ = s.Partition("images-v2").Put("y", Entry{Status: 200})

			names, _ := s.Names()
			if len(names) != 2 || names[0] != "images-v1" || names[1] != "images-v2" {
				t.Fatalf("Names = %v", names)
			}
			if err := s.Drop("images-v1"); err != nil {
				t.Fatalf("Drop: %v", err)
			}
			names, _ = s.Names()
			if len(names) != 1 || names[0] != "images-v2" {
				t.Fatalf("Names after drop = %v", names)
			}
			if _, ok, _ := s.Partition("images-v1").Get("x"); ok {
				t.Fatalf("dropped partition still serves entries")
			}
		})
	}
}

func TestLevelStore_IndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := openLevelStore(dir)
	if err != nil {
		t.Fatalf("openLevelStore: %v", err)
	}
	p := s.Partition("pages-cache-v1")
	_ = p.Put("first", Entry{Status: 200, Body: []byte("1")})
	_ = p.Put("second", Entry{Status: 200, Body: []byte("2")})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = openLevelStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	p = s.Partition("pages-cache-v1")
	_ = p.Put("third", Entry{Status: 200})
	keys, _ := p.Keys()
	if len(keys) != 3 || keys[0] != "first" || keys[2] != "third" {
		t.Fatalf("keys = %v, want [first second third]", keys)
	}
	if s.TotalSize() <= 0 {
		t.Fatalf("TotalSize = %d, want > 0", s.TotalSize())
	}
}

func TestDropSuperseded(t *testing.T) {
	s := newMemoryStore()
	p := s.Partition("realtime-data-v1")
	_ = p.Put("https://db.firebaseio.com/a.json?t=1", Entry{Status: 200})
	_ = p.Put("https://db.firebaseio.com/a.json?t=2", Entry{Status: 200})
	_ = p.Put("https://db.firebaseio.com/b.json", Entry{Status: 200})

	n, err := dropSuperseded(p, "https://db.firebaseio.com/a.json?t=2")
	if err != nil || n != 1 {
		t.Fatalf("dropSuperseded = %d, %v; want 1, nil", n, err)
	}
	keys, _ := p.Keys()
	if len(keys) != 2 {
		t.Fatalf("keys = %v", keys)
	}
}

func TestSplitPartitionName(t *testing.T) {
	cases := []struct {
		in            string
		base, version string
		ok            bool
	}{
		{"pages-cache-v3", "pages-cache", "v3", true},
		{"images-v1", "images", "v1", true},
		{"images", "", "", false},
		{"images-", "", "", false},
	}
	for _, c := range cases {
		base, version, ok := splitPartitionName(c.in)
		if base != c.base || version != c.version || ok != c.ok {
			t.Errorf("splitPartitionName(%q) = %q, %q, %v", c.in, base, version, ok)
		}
	}
	if got := partitionName("realtime-data", "v2"); got != "realtime-data-v2" {
		t.Errorf("partitionName = %q", got)
	}
}
