package sworker

import (
	"net/http"
	"net/url"
	"strings"
	"unicode"
)

// Navigation is what a popup predicate gets to look at.
type Navigation struct {
	Target   *url.URL
	Referrer *url.URL // nil when the Referer header does not parse
	RawURL   string
}

// PopupPredicate reports whether a navigation looks like an unwanted popup,
// with a short reason for the log.
type PopupPredicate func(nav Navigation) (reason string, blocked bool)

type popupFilter struct {
	predicates []PopupPredicate
}

func newPopupFilter(predicates ...PopupPredicate) *popupFilter {
	return &popupFilter{predicates: predicates}
}

// Use appends predicates evaluated after the existing ones.
func (f *popupFilter) Use(p ...PopupPredicate) {
	f.predicates = append(f.predicates, p...)
}

// Check runs the predicates against navigation requests that carry a
// referrer. It never touches the network.
func (f *popupFilter) Check(r *http.Request) (string, bool) {
	if !isNavigation(r) {
		return "", false
	}
	ref := r.Referer()
	if ref == "" {
		return "", false
	}
	nav := Navigation{Target: r.URL, RawURL: r.URL.String()}
	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		nav.Referrer = u
	}
	for _, p := range f.predicates {
		if reason, blocked := p(nav); blocked {
			return reason, true
		}
	}
	return "", false
}

// trustedIframeReferrer blocks navigations opened from a registered iframe
// origin.
func trustedIframeReferrer(origins *originSet) PopupPredicate {
	return func(nav Navigation) (string, bool) {
		if nav.Referrer == nil {
			return "", false
		}
		o := originOf(nav.Referrer)
		if origins.Has(o) {
			return "referrer " + o + " is a registered iframe origin", true
		}
		return "", false
	}
}

// keywordDenylist matches ad and tracking keywords. Keywords of three
// characters or fewer must equal a whole URL token ("ad" matches
// "/ad/click" but not "/download"); longer ones match as substrings.
func keywordDenylist(keywords []string) PopupPredicate {
	var short, long []string
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		switch {
		case k == "":
		case len(k) <= 3:
			short = append(short, k)
		default:
			long = append(long, k)
		}
	}
	return func(nav Navigation) (string, bool) {
		lower := strings.ToLower(nav.RawURL)
		for _, k := range long {
			if strings.Contains(lower, k) {
				return "url contains keyword " + k, true
			}
		}
		if len(short) == 0 {
			return "", false
		}
		tokens := strings.FieldsFunc(lower, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, t := range tokens {
			for _, k := range short {
				if t == k {
					return "url contains keyword " + k, true
				}
			}
		}
		return "", false
	}
}

// openMarkers matches literal window.open style markers some embed
// providers put into the popup URL itself.
func openMarkers(markers []string) PopupPredicate {
	return func(nav Navigation) (string, bool) {
		candidates := []string{nav.RawURL}
		if un, err := url.QueryUnescape(nav.RawURL); err == nil && un != nav.RawURL {
			candidates = append(candidates, un)
		}
		for _, c := range candidates {
			for _, m := range markers {
				if m != "" && strings.Contains(c, m) {
					return "url contains marker " + m, true
				}
			}
		}
		return "", false
	}
}

func defaultPopupKeywords() []string {
	return []string{
		"ad", "ads", "adx", "adclick", "adserver", "popup", "popunder", "banner", "track", "analytics",
		"doubleclick", "googlesyndication", "adservice", "adsystem", "adnxs",
		"popads", "propellerads", "exoclick", "adsterra", "juicyads",
		"onclickads", "taboola", "outbrain",
	}
}

func defaultPopupMarkers() []string {
	return []string{"window.open", "window_open"}
}

func popupResponse(r *http.Request) *http.Response {
	return textResponse(r, http.StatusOK, "Popup blocked", outcomePopupBlocked)
}
