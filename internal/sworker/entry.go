package sworker

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Entry is a stored response inside a partition.
type Entry struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte

	// StoredAt is the admission time in unix nanoseconds (UTC).
	StoredAt int64
	Hash32   uint32

	// Revision is set for precached entries only.
	Revision string
}

func newEntry(rawURL string, status int, h http.Header, body []byte, now time.Time) Entry {
	ent := Entry{
		URL:      rawURL,
		Status:   status,
		Header:   cloneHeader(h),
		Body:     body,
		StoredAt: now.UnixNano(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	ent.Header.Del(outcomeHeader)
	return ent
}

func (e Entry) age(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.StoredAt))
}

func (e Entry) response(r *http.Request, outcome string) *http.Response {
	h := cloneHeader(e.Header)
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	setOutcomeHeader(h, outcome)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       r,
	}
}

// textResponse builds a synthetic plain-text response.
func textResponse(r *http.Request, status int, body, outcome string) *http.Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	ent := Entry{Status: status, Header: h, Body: []byte(body)}
	return ent.response(r, outcome)
}

const outcomeHeader = "X-Sworker"

const (
	outcomeHit           = "hit"
	outcomeMiss          = "miss"
	outcomeNetwork       = "network"
	outcomeCacheFallback = "cache-fallback"
	outcomeFallback      = "fallback"
	outcomeProxy         = "proxy"
	outcomePopupBlocked  = "popup-blocked"
	outcomePass          = "pass"
	outcomeBadGateway    = "bad-gateway"
	outcomeUnavailable   = "unavailable"
)

func setOutcomeHeader(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(outcomeHeader, outcome)
	}
	// Custom headers are invisible to page scripts in a CORS context unless exposed.
	ensureExposedHeader(h, outcomeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func isHopHeader(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// writeResponse streams resp to rw, flushing after every chunk so that
// long-lived media responses reach the client as they arrive.
func writeResponse(rw http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		if strings.EqualFold(k, "Content-Length") && resp.ContentLength < 0 {
			continue
		}
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	rw.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(rw)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := rw.Write(buf[:n]); werr != nil {
				return
			}
			_ = rc.Flush()
		}
		if err != nil {
			return
		}
	}
}
