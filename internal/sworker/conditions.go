package sworker

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/ratelimit"
)

var errOffline = errors.New("network offline")

// NetworkConditions is the simulated network profile applied to every
// outbound request.
type NetworkConditions struct {
	LatencyMs             int64 `json:"latencyMs"`
	DownloadThroughputBps int64 `json:"downloadThroughputBps"`
	UploadThroughputBps   int64 `json:"uploadThroughputBps"`
	Offline               bool  `json:"offline"`
}

// conditionsPatch carries the fields present in a SET_NETWORK_CONDITIONS
// message; nil fields keep their current value.
type conditionsPatch struct {
	LatencyMs             *int64
	DownloadThroughputBps *int64
	UploadThroughputBps   *int64
	Offline               *bool
}

type conditions struct {
	mu sync.RWMutex
	p  NetworkConditions
}

func newConditions(p NetworkConditions) *conditions {
	return &conditions{p: p}
}

func (c *conditions) Get() NetworkConditions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.p
}

func (c *conditions) Set(p NetworkConditions) {
	c.mu.Lock()
	c.p = p
	c.mu.Unlock()
}

func (c *conditions) Merge(patch conditionsPatch) NetworkConditions {
	c.mu.Lock()
	defer c.mu.Unlock()
	if patch.LatencyMs != nil {
		c.p.LatencyMs = max(*patch.LatencyMs, 0)
	}
	if patch.DownloadThroughputBps != nil {
		c.p.DownloadThroughputBps = max(*patch.DownloadThroughputBps, 0)
	}
	if patch.UploadThroughputBps != nil {
		c.p.UploadThroughputBps = max(*patch.UploadThroughputBps, 0)
	}
	if patch.Offline != nil {
		c.p.Offline = *patch.Offline
	}
	return c.p
}

// shapedTransport applies the current network conditions before and after
// delegating to base.
type shapedTransport struct {
	base http.RoundTripper
	cond *conditions
}

func (t *shapedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	p := t.cond.Get()
	if p.Offline {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), errOffline)
	}
	if p.LatencyMs > 0 {
		timer := time.NewTimer(time.Duration(p.LatencyMs) * time.Millisecond)
		select {
		case <-req.Context().Done():
			timer.Stop()
			if req.Body != nil {
				_ = req.Body.Close()
			}
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
	if p.UploadThroughputBps > 0 && req.Body != nil && req.Body != http.NoBody {
		req = req.Clone(req.Context())
		req.Body = newThrottledReader(req.Body, p.UploadThroughputBps)
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if p.DownloadThroughputBps > 0 {
		resp.Body = newThrottledReader(resp.Body, p.DownloadThroughputBps)
	}
	return resp, nil
}

const throttleChunk = 1024

// throttledReader paces reads to roughly bps bytes per second by taking one
// limiter slot per chunk.
type throttledReader struct {
	rc      io.ReadCloser
	limiter ratelimit.Limiter
	chunk   int
}

func newThrottledReader(rc io.ReadCloser, bps int64) *throttledReader {
	chunk := int64(throttleChunk)
	if bps < chunk {
		chunk = bps
	}
	rate := bps / chunk
	if rate < 1 {
		rate = 1
	}
	return &throttledReader{
		rc:      rc,
		limiter: ratelimit.New(int(rate), ratelimit.WithoutSlack),
		chunk:   int(chunk),
	}
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > t.chunk {
		p = p[:t.chunk]
	}
	t.limiter.Take()
	return t.rc.Read(p)
}

func (t *throttledReader) Close() error { return t.rc.Close() }
