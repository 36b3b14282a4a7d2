package sworker

import (
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"
)

type matcher interface {
	Match(r *http.Request) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(r *http.Request) bool { return strings.HasPrefix(r.URL.Path, m.Prefix) }

type hostMatcher struct{ Host string }

func (m hostMatcher) Match(r *http.Request) bool { return strings.EqualFold(r.URL.Hostname(), m.Host) }

type hostSuffixMatcher struct{ Suffix string }

func (m hostSuffixMatcher) Match(r *http.Request) bool {
	host := strings.ToLower(r.URL.Hostname())
	return host == strings.TrimPrefix(m.Suffix, ".") || strings.HasSuffix(host, m.Suffix)
}

type extMatcher struct{ Exts map[string]struct{} }

func (m extMatcher) Match(r *http.Request) bool {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(r.URL.Path)), ".")
	if ext == "" {
		return false
	}
	_, ok := m.Exts[ext]
	return ok
}

type destMatcher struct{ Dest string }

func (m destMatcher) Match(r *http.Request) bool { return strings.EqualFold(fetchDest(r), m.Dest) }

type regexpMatcher struct{ re *regexp.Regexp }

func (m regexpMatcher) Match(r *http.Request) bool { return m.re.MatchString(r.URL.String()) }

// parseMatch compiles a match expression such as
//
//	Ext(css,js) | Dest(font) | HostSuffix(.gstatic.com)
//
// Alternatives are joined with a top-level "|"; a request matches when any
// alternative does.
func parseMatch(expr string) ([]matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts, err := splitTopLevel(expr)
	if err != nil {
		return nil, err
	}
	out := make([]matcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		open := strings.IndexByte(p, '(')
		if open <= 0 || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("expected Func(arg), got %q", p)
		}
		fn := p[:open]
		arg := strings.TrimSpace(p[open+1 : len(p)-1])
		if arg == "" {
			return nil, fmt.Errorf("%s: empty argument", fn)
		}
		m, err := compileMatcher(fn, arg)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func compileMatcher(fn, arg string) (matcher, error) {
	switch fn {
	case "PathPrefix":
		if !strings.HasPrefix(arg, "/") {
			return nil, fmt.Errorf("invalid prefix %q", arg)
		}
		return pathPrefixMatcher{Prefix: arg}, nil
	case "Host":
		return hostMatcher{Host: strings.ToLower(arg)}, nil
	case "HostSuffix":
		s := strings.ToLower(arg)
		if !strings.HasPrefix(s, ".") {
			s = "." + s
		}
		return hostSuffixMatcher{Suffix: s}, nil
	case "Ext":
		exts := map[string]struct{}{}
		for _, e := range strings.Split(arg, ",") {
			e = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(e)), ".")
			if e != "" {
				exts[e] = struct{}{}
			}
		}
		if len(exts) == 0 {
			return nil, fmt.Errorf("Ext: no extensions in %q", arg)
		}
		return extMatcher{Exts: exts}, nil
	case "Dest":
		return destMatcher{Dest: arg}, nil
	case "Regexp":
		re, err := regexp.Compile(arg)
		if err != nil {
			return nil, fmt.Errorf("Regexp: %w", err)
		}
		return regexpMatcher{re: re}, nil
	default:
		return nil, fmt.Errorf("unknown matcher %q", fn)
	}
}

// splitTopLevel splits on "|" outside parentheses, so Regexp(a|b) stays whole.
func splitTopLevel(s string) ([]string, error) {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced ')' at %d", i)
			}
		case '|':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced '(' in %q", s)
	}
	return append(out, s[start:]), nil
}
