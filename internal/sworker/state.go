package sworker

import (
	"net/url"
	"sort"
	"strings"
	"sync"
)

// headerRegistry maps a target domain to headers added to every proxied
// request for that domain. In-memory only; a restart starts empty.
type headerRegistry struct {
	mu sync.RWMutex
	m  map[string]map[string]string
}

func newHeaderRegistry() *headerRegistry {
	return &headerRegistry{m: map[string]map[string]string{}}
}

// Set replaces the header set for domain. Concurrent calls for the same
// domain resolve last write wins.
func (r *headerRegistry) Set(domain string, headers map[string]string) {
	domain = normalizeDomain(domain)
	cp := make(map[string]string, len(headers))
	for k, v := range headers {
		cp[k] = v
	}
	r.mu.Lock()
	r.m[domain] = cp
	r.mu.Unlock()
}

// Lookup returns the headers registered for host, falling back to the
// longest registered parent domain.
func (r *headerRegistry) Lookup(host string) map[string]string {
	host = normalizeDomain(host)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.m[host]; ok {
		return h
	}
	best := ""
	for d := range r.m {
		if len(d) > len(best) && strings.HasSuffix(host, "."+d) {
			best = d
		}
	}
	if best == "" {
		return nil
	}
	return r.m[best]
}

func (r *headerRegistry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for d := range r.m {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (r *headerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if strings.Contains(d, "://") {
		if u, err := url.Parse(d); err == nil {
			d = u.Hostname()
		}
	}
	return strings.TrimSuffix(d, ".")
}

// originSet holds the trusted iframe origins.
type originSet struct {
	mu sync.RWMutex
	m  map[string]struct{}
}

func newOriginSet() *originSet {
	return &originSet{m: map[string]struct{}{}}
}

func (s *originSet) Add(origin string) {
	s.mu.Lock()
	s.m[origin] = struct{}{}
	s.mu.Unlock()
}

func (s *originSet) Has(origin string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[origin]
	return ok
}

func (s *originSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.m))
	for o := range s.m {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// normalizeOrigin reduces a URL or origin string to scheme://host[:port].
func normalizeOrigin(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return originOf(u), true
}

func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
