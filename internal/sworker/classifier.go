package sworker

import (
	"net/http"
	"strings"
)

type routeKind int

const (
	routePass routeKind = iota
	routeProxy
	routePopup
	routeNavigation
	routeRule
)

func (k routeKind) String() string {
	switch k {
	case routePass:
		return "pass"
	case routeProxy:
		return "proxy"
	case routePopup:
		return "popup"
	case routeNavigation:
		return "navigation"
	case routeRule:
		return "rule"
	}
	return "unknown"
}

// decision is the single handling path picked for a request.
type decision struct {
	kind   routeKind
	rule   *Rule
	reason string
}

// classify picks exactly one handling path. The order is fixed:
//
//  1. same-origin subresource (not the proxy endpoint): pass through
//  2. proxy endpoint: cross-origin proxy
//  3. navigation: popup filter, then the navigation rule
//  4. GET matching a configured rule, lowest priority first
//  5. anything else: pass through
//
// Nothing is intercepted before the worker has been activated.
func (w *Worker) classify(r *http.Request) decision {
	if !w.claimed.Load() {
		return decision{kind: routePass, reason: "not activated"}
	}
	proxy := w.isProxyRequest(r)
	nav := isNavigation(r)
	if w.isSameOrigin(r) && !nav && !proxy {
		return decision{kind: routePass, reason: "same-origin subresource"}
	}
	if proxy {
		return decision{kind: routeProxy}
	}
	if nav {
		if reason, blocked := w.popups.Check(r); blocked {
			return decision{kind: routePopup, reason: reason}
		}
		if r.Method != http.MethodGet {
			return decision{kind: routePass, reason: "non-GET navigation"}
		}
		return decision{kind: routeNavigation, rule: &w.cfg.Navigation}
	}
	if r.Method != http.MethodGet {
		return decision{kind: routePass, reason: "non-GET"}
	}
	for i := range w.cfg.Rules {
		rule := &w.cfg.Rules[i]
		if rule.Matches(r) {
			return decision{kind: routeRule, rule: rule}
		}
	}
	return decision{kind: routePass, reason: "no rule"}
}

func fetchMode(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Mode")))
}

func fetchDest(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest")))
}

// isNavigation reports whether r loads a document. Clients that do not send
// fetch metadata are treated as navigating when they GET and accept HTML.
func isNavigation(r *http.Request) bool {
	if m := fetchMode(r); m != "" {
		return m == "navigate"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (w *Worker) isSameOrigin(r *http.Request) bool {
	return strings.EqualFold(r.URL.Scheme, w.cfg.origin.Scheme) &&
		strings.EqualFold(r.URL.Host, w.cfg.origin.Host)
}

func (w *Worker) isProxyRequest(r *http.Request) bool {
	return w.isSameOrigin(r) && r.URL.Path == w.cfg.Worker.ProxyPath
}
