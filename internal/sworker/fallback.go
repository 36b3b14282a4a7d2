package sworker

import (
	"net/http"
)

// resolveFallback returns the rule's substitute document. It looks in the
// precache seed, then in the fallback's own partition, then fetches it once
// and keeps it. Without any of those the caller gets a synthetic 503.
func (w *Worker) resolveFallback(r *http.Request, rule *Rule) *http.Response {
	if rule == nil || rule.Fallback == "" {
		return unavailable(r)
	}
	fb, ok := w.cfg.Worker.Fallbacks[rule.Fallback]
	if !ok {
		return unavailable(r)
	}
	target := w.cfg.originURL(fb.URL)

	if ent, ok := w.lookup(w.partition(precacheBase), target, 0); ok {
		return ent.response(r, outcomeFallback)
	}
	part := w.partition(fb.Partition)
	if ent, ok := w.lookup(part, target, 0); ok {
		return ent.response(r, outcomeFallback)
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		return unavailable(r)
	}
	up, err := w.fetchEntry(req.Context(), req)
	if err != nil {
		w.log.Debug().Err(err).Str("fallback", rule.Fallback).Msg("fallback fetch failed")
		return unavailable(r)
	}
	if !up.complete {
		up.resp.Body.Close()
		return unavailable(r)
	}
	if up.ent.Status != http.StatusOK {
		return unavailable(r)
	}
	owner := w.cfg.ruleForPartition(fb.Partition)
	if owner == nil {
		owner = &Rule{Name: rule.Fallback, Partition: fb.Partition}
	}
	w.admit(owner, part, target, up.ent)
	return up.ent.response(r, outcomeFallback)
}

func unavailable(r *http.Request) *http.Response {
	return textResponse(r, http.StatusServiceUnavailable, "Service Unavailable", outcomeUnavailable)
}
