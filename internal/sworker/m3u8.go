package sworker

import (
	"bufio"
	"bytes"
	"net/url"
	"regexp"
	"strings"
)

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// Tags whose URI attribute names another resource that must be proxied too.
var uriTags = []string{"#EXT-X-KEY", "#EXT-X-MAP", "#EXT-X-MEDIA", "#EXT-X-I-FRAME-STREAM-INF", "#EXT-X-SESSION-KEY"}

func isManifest(u *url.URL, contentType string) bool {
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8") ||
		strings.Contains(strings.ToLower(contentType), "mpegurl")
}

// rewriteManifest resolves every resource reference in an HLS playlist
// against base and passes it through wrap. Comments and blank lines are kept
// byte for byte.
func rewriteManifest(body []byte, base *url.URL, wrap func(abs string) string) []byte {
	var out bytes.Buffer
	out.Grow(len(body) + len(body)/2)

	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), len(body)+1)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			out.WriteString(line)
		case strings.HasPrefix(trimmed, "#"):
			if hasURITag(trimmed) {
				line = uriAttr.ReplaceAllStringFunc(line, func(m string) string {
					ref := uriAttr.FindStringSubmatch(m)[1]
					return `URI="` + wrap(resolveRef(base, ref)) + `"`
				})
			}
			out.WriteString(line)
		default:
			out.WriteString(wrap(resolveRef(base, trimmed)))
		}
		out.WriteByte('\n')
	}
	return out.Bytes()
}

func hasURITag(line string) bool {
	for _, t := range uriTags {
		if strings.HasPrefix(line, t+":") {
			return true
		}
	}
	return false
}

func resolveRef(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

// proxyWrapper returns the function that turns an absolute URL into a proxy
// endpoint URL carrying the same header overrides.
func proxyWrapper(proxyPath, headers string) func(string) string {
	return func(abs string) string {
		s := proxyPath + "?url=" + url.QueryEscape(abs)
		if headers != "" {
			s += "&headers=" + url.QueryEscape(headers)
		}
		return s
	}
}
