package sworker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// applyRule runs the rule's caching strategy for r.
func (w *Worker) applyRule(r *http.Request, rule *Rule) *http.Response {
	switch rule.kind {
	case CacheFirst:
		return w.cacheFirst(r, rule)
	case NetworkFirst:
		return w.networkFirst(r, rule)
	case StaleWhileRevalidate:
		return w.staleWhileRevalidate(r, rule)
	}
	w.log.Error().Str("rule", rule.Name).Stringer("strategy", rule.kind).Msg("unknown strategy, passing through")
	return w.passThrough(r)
}

// cacheKey is the request URL without fragment, and without query when the
// rule ignores search parameters.
func cacheKey(r *http.Request, rule *Rule) string {
	u := *r.URL
	u.Fragment, u.RawFragment = "", ""
	if rule.IgnoreSearch {
		u.RawQuery, u.ForceQuery = "", false
	}
	return u.String()
}

func (w *Worker) partition(base string) Partition {
	return w.store.Partition(partitionName(base, w.cfg.Worker.Version))
}

// lookup returns a live entry. Entries older than maxAge are deleted and
// reported as absent.
func (w *Worker) lookup(p Partition, key string, maxAge time.Duration) (Entry, bool) {
	ent, ok, err := p.Get(key)
	if err != nil {
		w.log.Warn().Err(err).Str("partition", p.Name()).Str("key", key).Msg("cache read failed")
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	if maxAge > 0 && ent.age(w.now()) > maxAge {
		w.expire(p, key, ent.StoredAt)
		return Entry{}, false
	}
	return ent, true
}

// expire deletes key unless it was re-admitted since it was read with
// storedAt.
func (w *Worker) expire(p Partition, key string, storedAt int64) {
	w.admitMu.Lock()
	defer w.admitMu.Unlock()
	cur, ok, err := p.Get(key)
	if err != nil || !ok || cur.StoredAt != storedAt {
		return
	}
	if err := p.Delete(key); err != nil {
		w.log.Warn().Err(err).Str("partition", p.Name()).Msg("expired entry delete failed")
	}
}

// upstream is a network response. When complete, ent holds the whole body
// and resp is nil; otherwise the body did not fit in an entry and resp
// streams it.
type upstream struct {
	ent      Entry
	complete bool
	resp     *http.Response
}

func (u upstream) response(r *http.Request, outcome string) *http.Response {
	if u.complete {
		return u.ent.response(r, outcome)
	}
	setOutcomeHeader(u.resp.Header, outcome)
	u.resp.Request = r
	return u.resp
}

// fetchEntry GETs r's URL through the shaped client. The context is released
// once the body is consumed or closed.
func (w *Worker) fetchEntry(ctx context.Context, r *http.Request) (upstream, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Network.timeoutDur)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL.String(), nil)
	if err != nil {
		cancel()
		return upstream{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Del("If-None-Match")
	req.Header.Del("If-Modified-Since")
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := w.client.Do(req)
	if err != nil {
		cancel()
		return upstream{}, err
	}

	limit := w.cfg.Storage.maxEntryBytes
	head, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		resp.Body.Close()
		cancel()
		return upstream{}, err
	}
	if int64(len(head)) > limit {
		resp.Body = &cancelOnClose{
			Reader: io.MultiReader(bytes.NewReader(head), resp.Body),
			closer: resp.Body,
			cancel: cancel,
		}
		resp.Header.Del("Content-Length")
		return upstream{resp: resp}, nil
	}
	resp.Body.Close()
	cancel()

	return upstream{
		ent:      newEntry(req.URL.String(), resp.StatusCode, resp.Header, head, w.now()),
		complete: true,
	}, nil
}

// admit stores ent when the rule accepts it and trims the partition.
func (w *Worker) admit(rule *Rule, p Partition, key string, ent Entry) bool {
	if ent.Status != http.StatusOK {
		return false
	}
	if int64(len(ent.Body)) > w.cfg.Storage.maxEntryBytes {
		return false
	}
	if rule.Admit == admitJSONNoError && !jsonWithoutError(ent.Body) {
		w.log.Debug().Str("rule", rule.Name).Str("url", ent.URL).Msg("response rejected by json check, not cached")
		return false
	}

	w.admitMu.Lock()
	defer w.admitMu.Unlock()
	if err := p.Put(key, ent); err != nil {
		w.log.Warn().Err(err).Str("partition", p.Name()).Msg("cache write failed")
		return false
	}
	if rule.Cleanup == cleanupSuperseded {
		if n, err := dropSuperseded(p, key); err != nil {
			w.log.Warn().Err(err).Str("partition", p.Name()).Msg("superseded cleanup failed")
		} else if n > 0 {
			w.log.Debug().Str("partition", p.Name()).Int("removed", n).Msg("removed superseded entries")
		}
	}
	if n, err := trimPartition(p, rule.MaxEntries); err != nil {
		w.log.Warn().Err(err).Str("partition", p.Name()).Msg("trim failed")
	} else if n > 0 {
		w.log.Debug().Str("partition", p.Name()).Int("evicted", n).Msg("evicted oldest entries")
	}
	return true
}

func jsonWithoutError(b []byte) bool {
	return gjson.ValidBytes(b) && !gjson.GetBytes(b, "error").Exists()
}

func (w *Worker) cacheFirst(r *http.Request, rule *Rule) *http.Response {
	p := w.partition(rule.Partition)
	key := cacheKey(r, rule)
	if ent, ok := w.lookup(p, key, rule.maxAge); ok {
		w.observe(outcomeHit, len(ent.Body))
		return ent.response(r, outcomeHit)
	}

	up, err := w.fetchEntry(r.Context(), r)
	if err != nil {
		w.log.Debug().Err(err).Str("rule", rule.Name).Str("url", key).Msg("cache miss and network failed")
		return w.resolveFallback(r, rule)
	}
	if up.complete && w.admit(rule, p, key, up.ent) {
		w.observe(outcomeMiss, len(up.ent.Body))
		return up.response(r, outcomeMiss)
	}
	return up.response(r, outcomeNetwork)
}

type networkResult struct {
	up       upstream
	admitted bool
	err      error
}

// networkFirst races the network against the rule's timeout. The fetch runs
// on a detached context so a late result still refreshes the cache, but it
// never replaces a response that was already returned.
func (w *Worker) networkFirst(r *http.Request, rule *Rule) *http.Response {
	p := w.partition(rule.Partition)
	key := cacheKey(r, rule)

	req := r.Clone(context.WithoutCancel(r.Context()))
	done := make(chan networkResult, 1)
	fetch := func() {
		up, err := w.fetchEntry(req.Context(), req)
		res := networkResult{up: up, err: err}
		if err == nil && up.complete {
			res.admitted = w.admit(rule, p, key, up.ent)
		}
		done <- res
	}
	if !w.spawn(fetch) {
		// Shutting down: no race, wait for the network.
		fetch()
	}

	var timeout <-chan time.Time
	if rule.netTimeout > 0 {
		t := time.NewTimer(rule.netTimeout)
		defer t.Stop()
		timeout = t.C
	}

	var cause error
	select {
	case res := <-done:
		if res.err == nil {
			if res.admitted {
				w.observe(outcomeMiss, len(res.up.ent.Body))
			}
			return res.up.response(r, outcomeNetwork)
		}
		cause = res.err
	case <-timeout:
		cause = fmt.Errorf("network timeout after %s", rule.netTimeout)
		w.discardLate(done)
	case <-r.Context().Done():
		w.discardLate(done)
		return textResponse(r, http.StatusServiceUnavailable, "request canceled", outcomeUnavailable)
	}

	if ent, ok := w.lookup(p, key, rule.maxAge); ok {
		w.log.Debug().Err(cause).Str("rule", rule.Name).Str("url", key).Msg("serving cached entry")
		w.observe(outcomeHit, len(ent.Body))
		return ent.response(r, outcomeCacheFallback)
	}
	w.log.Debug().Err(cause).Str("rule", rule.Name).Str("url", key).Msg("network failed with nothing cached")
	return w.resolveFallback(r, rule)
}

// discardLate closes the body of a network result that lost the race.
func (w *Worker) discardLate(done <-chan networkResult) {
	drain := func() {
		res := <-done
		if res.err == nil && !res.up.complete {
			res.up.resp.Body.Close()
		}
	}
	if !w.spawn(drain) {
		go drain()
	}
}

func (w *Worker) staleWhileRevalidate(r *http.Request, rule *Rule) *http.Response {
	p := w.partition(rule.Partition)
	key := cacheKey(r, rule)
	if ent, ok := w.lookup(p, key, rule.maxAge); ok {
		w.revalidateAsync(r, rule, p, key, ent.Hash32)
		w.observe(outcomeHit, len(ent.Body))
		return ent.response(r, outcomeHit)
	}

	up, err := w.fetchEntry(r.Context(), r)
	if err != nil {
		return w.resolveFallback(r, rule)
	}
	if up.complete && w.admit(rule, p, key, up.ent) {
		w.observe(outcomeMiss, len(up.ent.Body))
		return up.response(r, outcomeMiss)
	}
	return up.response(r, outcomeNetwork)
}

// revalidateAsync refreshes key in the background. It gives up silently when
// the background queue is full.
func (w *Worker) revalidateAsync(r *http.Request, rule *Rule, p Partition, key string, cur uint32) {
	select {
	case w.bgSem <- struct{}{}:
	default:
		w.queueLog.Warn("background queue full, skipping revalidation")
		return
	}
	req := r.Clone(context.WithoutCancel(r.Context()))

	started := w.spawn(func() {
		defer func() { <-w.bgSem }()

		up, err := w.fetchEntry(req.Context(), req)
		if err != nil {
			w.log.Debug().Err(err).Str("url", key).Msg("revalidation failed")
			return
		}
		if !up.complete {
			up.resp.Body.Close()
			return
		}
		if up.ent.Status == http.StatusOK && up.ent.Hash32 == cur {
			w.log.Debug().Str("url", key).Msg("revalidated, body unchanged")
		}
		// Re-admitting an unchanged body still restarts its maxAge.
		w.admit(rule, p, key, up.ent)
	})
	if !started {
		<-w.bgSem
	}
}

// passThrough forwards r unchanged. Redirects reach the client as is.
func (w *Worker) passThrough(r *http.Request) *http.Response {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
	if err != nil {
		return textResponse(r, http.StatusBadGateway, "bad gateway", outcomeBadGateway)
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)

	resp, err := w.client.Do(req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.log.Debug().Err(err).Str("url", r.URL.Redacted()).Msg("pass-through failed")
		}
		return textResponse(r, http.StatusBadGateway, "bad gateway", outcomeBadGateway)
	}
	setOutcomeHeader(resp.Header, outcomePass)
	resp.Request = r
	return resp
}

type cancelOnClose struct {
	io.Reader
	closer io.Closer
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.closer.Close()
	c.cancel()
	return err
}
