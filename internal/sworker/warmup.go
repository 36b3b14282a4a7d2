package sworker

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// startWarmup fills the navigation partition from the configured sitemaps
// once, after warmup.initialDelay.
func (w *Worker) startWarmup() {
	if len(w.cfg.Warmup.Sitemaps) == 0 {
		return
	}
	delay := w.cfg.Warmup.initialDelayDur

	w.spawn(func() {
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-w.stopCh:
				return
			case <-t.C:
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		stored, ignored, err := w.warmupOnce(ctx)
		if err != nil {
			w.log.Warn().Err(err).Int("stored", stored).Msg("sitemap warmup failed")
			return
		}
		w.log.Info().Int("stored", stored).Int("ignored", ignored).Msg("sitemap warmup done")
	})
}

// warmupOnce walks the sitemaps breadth first and admits same-origin pages
// through the navigation rule until the partition is full.
func (w *Worker) warmupOnce(ctx context.Context) (stored, ignored int, _ error) {
	rule := &w.cfg.Navigation
	p := w.partition(rule.Partition)

	seen := map[string]struct{}{}
	var queue []string
	for _, sm := range w.cfg.Warmup.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, w.cfg.originURL(sm))
		}
	}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return stored, ignored, ctx.Err()
		case <-w.stopCh:
			return stored, ignored, nil
		default:
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := w.fetchSitemap(ctx, smURL)
		if err != nil {
			return stored, ignored, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, w.cfg.originURL(nested))
			}
		}

		for _, loc := range doc.URLs {
			if w.stopping() {
				return stored, ignored, nil
			}
			if rule.MaxEntries > 0 {
				if n, err := p.Len(); err == nil && n >= rule.MaxEntries {
					return stored, ignored, nil
				}
			}
			target, ok := w.sameOriginPage(loc)
			if !ok {
				ignored++
				continue
			}
			if _, ok := w.lookup(p, target, rule.maxAge); ok {
				continue
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				ignored++
				continue
			}
			req.Header.Set("Accept", "text/html")
			up, err := w.fetchEntry(ctx, req)
			if err != nil {
				w.log.Debug().Err(err).Str("url", target).Msg("warmup fetch failed")
				ignored++
				continue
			}
			if !up.complete {
				up.resp.Body.Close()
				ignored++
				continue
			}
			if w.admit(rule, p, target, up.ent) {
				stored++
			} else {
				ignored++
			}
		}
	}
	return stored, ignored, nil
}

func (w *Worker) sameOriginPage(loc string) (string, bool) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return "", false
	}
	u, err := url.Parse(w.cfg.originURL(loc))
	if err != nil {
		return "", false
	}
	if !strings.EqualFold(u.Scheme, w.cfg.origin.Scheme) || !strings.EqualFold(u.Host, w.cfg.origin.Host) {
		return "", false
	}
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), true
}

func (w *Worker) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := w.proxyClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// A .gz URL may arrive already decoded when the server also set Content-Encoding.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
