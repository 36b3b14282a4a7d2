package sworker

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sworker/internal/registry"
)

func TestOfflineNavigationServesOfflinePage(t *testing.T) {
	net := newFakeNet(originSite)
	w := newTestWorker(t, net, testWorkerOpts{})

	p := w.partition(precacheBase)
	for _, u := range []string{testOrigin + "/index.html", testOrigin + "/offline.html"} {
		if _, ok, _ := p.Get(u); !ok {
			t.Fatalf("%s not precached", u)
		}
	}

	if applied, err := w.HandleMessage([]byte(`{"type":"SET_NETWORK_CONDITIONS","payload":{"offline":true}}`)); err != nil || !applied {
		t.Fatalf("HandleMessage = %v, %v", applied, err)
	}
	resp := w.Handle(newGet(t, testOrigin+"/", navHeaders()))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || body != "<html>/offline.html</html>" {
		t.Fatalf("got %d %q, want offline page", resp.StatusCode, body)
	}
	if got := resp.Header.Get(outcomeHeader); got != outcomeFallback {
		t.Fatalf("outcome = %q", got)
	}
}

func TestNavigationPrefersCachedPageOffline(t *testing.T) {
	net := newFakeNet(originSite)
	w := newTestWorker(t, net, testWorkerOpts{})

	readBody(t, w.Handle(newGet(t, testOrigin+"/movies", navHeaders())))
	offline := true
	w.conditions.Merge(conditionsPatch{Offline: &offline})

	resp := w.Handle(newGet(t, testOrigin+"/movies", navHeaders()))
	if body := readBody(t, resp); body != "<html>/movies</html>" {
		t.Fatalf("body = %q, want cached page", body)
	}
	if got := resp.Header.Get(outcomeHeader); got != outcomeCacheFallback {
		t.Fatalf("outcome = %q", got)
	}
}

func TestPassThroughBeforeActivation(t *testing.T) {
	net := newFakeNet(originSite)
	w := newTestWorker(t, net, testWorkerOpts{noStart: true})

	resp := w.Handle(newGet(t, "https://cdn.example/a.css", nil))
	readBody(t, resp)
	if got := resp.Header.Get(outcomeHeader); got != outcomePass {
		t.Fatalf("outcome = %q, want pass", got)
	}
	if err := w.Activate(context.Background()); err == nil {
		t.Fatalf("Activate before Install succeeded")
	}
}

func TestInstallFailureMakesWorkerRedundant(t *testing.T) {
	net := newFakeNet(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/offline.html" {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		originSite(w, r)
	})
	w := newTestWorker(t, net, testWorkerOpts{noStart: true})

	if err := w.Start(context.Background()); err == nil {
		t.Fatalf("Start succeeded with a failing precache URL")
	}
	if st := w.State(); st != StateRedundant {
		t.Fatalf("state = %s, want redundant", st)
	}
	resp := w.Handle(newGet(t, testOrigin+"/", navHeaders()))
	readBody(t, resp)
	if got := resp.Header.Get(outcomeHeader); got != outcomePass {
		t.Fatalf("redundant worker intercepted a request (outcome %q)", got)
	}
}

func TestInstallSkipsUnchangedRevisions(t *testing.T) {
	net := newFakeNet(originSite)
	store := newMemoryStore()
	reg, err := registry.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	stale := testOrigin + "/old.html"
	if err := store.Partition(partitionName(precacheBase, "v1")).Put(stale, Entry{URL: stale, Status: 200}); err != nil {
		t.Fatal(err)
	}

	w := newTestWorker(t, net, testWorkerOpts{store: store, registry: reg})
	if n := net.Calls(testOrigin + "/index.html"); n != 1 {
		t.Fatalf("index.html fetched %d times", n)
	}
	if _, ok, _ := w.partition(precacheBase).Get(stale); ok {
		t.Fatalf("stale precache entry kept")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if n := net.Calls(testOrigin + "/index.html"); n != 1 {
		t.Fatalf("unchanged revision refetched (%d calls)", n)
	}

	info, err := reg.VersionInfo("v1")
	if err != nil {
		t.Fatal(err)
	}
	if info.State != string(StateInstalled) {
		t.Fatalf("registry state = %q", info.State)
	}
}

func TestActivatePurgesRetiredPartitions(t *testing.T) {
	net := newFakeNet(originSite)
	store := newMemoryStore()
	reg, err := registry.Open(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	seed := Entry{URL: "https://x.example/", Status: 200, Body: []byte("old")}
	for _, name := range []string{"pages-cache-v0", "images-v0", "other-v0"} {
		if err := store.Partition(name).Put(seed.URL, seed); err != nil {
			t.Fatal(err)
		}
	}

	w := newTestWorker(t, net, testWorkerOpts{store: store, registry: reg})

	names, _ := store.Names()
	has := map[string]bool{}
	for _, n := range names {
		has[n] = true
	}
	if has["pages-cache-v0"] || has["images-v0"] {
		t.Fatalf("retired partitions kept: %v", names)
	}
	if !has["other-v0"] {
		t.Fatalf("unknown partition dropped: %v", names)
	}
	if !has["precache-v1"] {
		t.Fatalf("current precache missing: %v", names)
	}

	retired, err := reg.RetiredPartitions()
	if err != nil {
		t.Fatal(err)
	}
	if len(retired) != 2 {
		t.Fatalf("retired = %+v, want 2 rows", retired)
	}
	for _, r := range retired {
		if r.RetiredBy != "v1" {
			t.Errorf("RetiredBy = %q", r.RetiredBy)
		}
	}

	info, err := reg.VersionInfo("v1")
	if err != nil {
		t.Fatal(err)
	}
	if info.State != string(StateActivated) || info.ActivatedAt == nil {
		t.Fatalf("version info = %+v", info)
	}
	if w.State() != StateActivated {
		t.Fatalf("state = %s", w.State())
	}
}
