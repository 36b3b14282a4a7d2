package sworker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

func TestRouter_Status(t *testing.T) {
	w := newTestWorker(t, newFakeNet(originSite), testWorkerOpts{})
	h := w.Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/__worker/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Version != "v1" || st.State != StateActivated || !st.Claimed {
		t.Fatalf("status = %+v", st)
	}
	if n := st.Partitions["precache-v1"]; n != 3 {
		t.Fatalf("precache entries = %d, want 3", n)
	}
}

func TestRouter_Control(t *testing.T) {
	w := newTestWorker(t, newFakeNet(originSite), testWorkerOpts{})
	h := w.Router()

	tests := []struct {
		body    string
		code    int
		applied string
	}{
		{`{"type":"REGISTER_IFRAME_ORIGIN","payload":{"origin":"https://player.example"}}`, http.StatusOK, "true"},
		{`{"type":"NOT_A_THING"}`, http.StatusOK, "false"},
		{`nope`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/__worker/control", strings.NewReader(tt.body)))
		if rec.Code != tt.code {
			t.Fatalf("%s: code = %d, want %d", tt.body, rec.Code, tt.code)
		}
		if tt.applied != "" {
			if got := gjson.Get(rec.Body.String(), "applied").Raw; got != tt.applied {
				t.Fatalf("%s: applied = %s, want %s", tt.body, got, tt.applied)
			}
		}
	}
	if !w.iframeOrigins.Has("https://player.example") {
		t.Fatalf("origin not registered")
	}
}

func TestRouter_Logs(t *testing.T) {
	w := newTestWorker(t, newFakeNet(originSite), testWorkerOpts{})
	w.log.Info().Msg("marker line")

	rec := httptest.NewRecorder()
	w.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/__worker/logs", nil))
	res := gjson.Parse(rec.Body.String())
	if res.Get("level").String() != "debug" {
		t.Fatalf("level = %s", res.Get("level"))
	}
	found := false
	for _, e := range res.Get("entries").Array() {
		if e.Get("message").String() == "marker line" {
			found = true
		}
	}
	if !found {
		t.Fatalf("marker line missing from %s", rec.Body.String())
	}
}

func TestRouter_OtherPathsReachWorker(t *testing.T) {
	net := newFakeNet(originSite)
	w := newTestWorker(t, net, testWorkerOpts{})
	h := w.Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/list", nil))
	if rec.Body.String() != "<html>/api/list</html>" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get(outcomeHeader); got != outcomePass {
		t.Fatalf("outcome = %q", got)
	}
	if n := net.Calls(testOrigin + "/api/list"); n != 1 {
		t.Fatalf("origin calls = %d", n)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/__worker/status", nil))
	if n := net.Calls(testOrigin + "/__worker/status"); n != 1 {
		t.Fatalf("unrouted method not passed to the worker")
	}
}

func TestClientsReceiveLogsAndSendControl(t *testing.T) {
	w := newTestWorker(t, newFakeNet(originSite), testWorkerOpts{})
	srv := httptest.NewServer(w.Router())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/__worker/clients"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return w.hub.Len() == 1 })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"REGISTER_IFRAME_ORIGIN","origin":"https://embed.example"}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return w.iframeOrigins.Has("https://embed.example") })

	w.log.Warn().Msg("hello clients")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if gjson.GetBytes(msg, "type").String() == "LOG_ENTRY" &&
			gjson.GetBytes(msg, "payload.message").String() == "hello clients" {
			if lvl := gjson.GetBytes(msg, "payload.level").String(); lvl != "warn" {
				t.Fatalf("level = %q", lvl)
			}
			return
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRouter_ControlRejectsCrossOrigin(t *testing.T) {
	w := newTestWorker(t, newFakeNet(originSite), testWorkerOpts{})
	h := w.Router()
	const body = `{"type":"SET_NETWORK_CONDITIONS","offline":true}`

	tests := []struct {
		name string
		hdr  map[string]string
		code int
	}{
		{"foreign origin", map[string]string{"Origin": "https://evil.example"}, http.StatusForbidden},
		{"cross-site fetch", map[string]string{"Sec-Fetch-Site": "cross-site"}, http.StatusForbidden},
		{"same-site subdomain", map[string]string{"Sec-Fetch-Site": "same-site", "Origin": "https://ads.app.example"}, http.StatusForbidden},
		{"null origin", map[string]string{"Origin": "null"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/__worker/control", strings.NewReader(body))
			req.Header.Set("Content-Type", "text/plain")
			for k, v := range tt.hdr {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
		})
	}
	if w.conditions.Get().Offline {
		t.Fatalf("cross-origin message changed network conditions")
	}

	req := httptest.NewRequest(http.MethodPost, "/__worker/control", strings.NewReader(body))
	req.Header.Set("Origin", "https://APP.example")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !w.conditions.Get().Offline {
		t.Fatalf("same-origin message: code %d, offline %v", rec.Code, w.conditions.Get().Offline)
	}
}

func TestClientsRejectCrossOriginUpgrade(t *testing.T) {
	w := newTestWorker(t, newFakeNet(originSite), testWorkerOpts{})
	srv := httptest.NewServer(w.Router())
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/__worker/clients"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		conn.Close()
		t.Fatalf("cross-origin upgrade accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %v, want 403", resp)
	}
	if n := w.hub.Len(); n != 0 {
		t.Fatalf("clients = %d", n)
	}

	conn, _, err = websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {testOrigin}})
	if err != nil {
		t.Fatalf("same-origin dial: %v", err)
	}
	conn.Close()
}

func TestRouter_StatusIncludesRegistry(t *testing.T) {
	w := newTestWorker(t, newFakeNet(originSite), testWorkerOpts{})
	if err := w.registry.RetirePartition("pages-cache-v0", "v1", time.Now()); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	w.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/__worker/status", nil))
	res := gjson.Parse(rec.Body.String())
	if res.Get("versions.0.version").String() != "v1" || res.Get("versions.0.state").String() != "activated" {
		t.Fatalf("versions = %s", res.Get("versions").Raw)
	}
	if !res.Get("installedAt").Exists() || !res.Get("activatedAt").Exists() {
		t.Fatalf("install times missing: %s", rec.Body.String())
	}
	if n := len(res.Get("precache").Array()); n != 3 {
		t.Fatalf("precache rows = %d, want 3", n)
	}
	if got := res.Get("retired.0.name").String(); got != "pages-cache-v0" {
		t.Fatalf("retired = %s", res.Get("retired").Raw)
	}
}

func TestRouter_ClearLogs(t *testing.T) {
	w := newTestWorker(t, newFakeNet(originSite), testWorkerOpts{})
	h := w.Router()
	before := w.sink.Total()
	if before == 0 {
		t.Fatalf("no log entries after start")
	}

	req := httptest.NewRequest(http.MethodDelete, "/__worker/logs", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-origin clear: code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/__worker/logs", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("code = %d", rec.Code)
	}
	if n := len(w.sink.Entries()); n != 0 {
		t.Fatalf("entries after clear = %d", n)
	}

	w.log.Info().Msg("after clear")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/__worker/logs", nil))
	res := gjson.Parse(rec.Body.String())
	if got := res.Get("total").Int(); got <= before {
		t.Fatalf("total = %d, want more than %d", got, before)
	}
	if n := len(res.Get("entries").Array()); n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}
}
