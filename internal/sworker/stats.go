package sworker

import (
	"math"
	"sync/atomic"
	"time"
)

// statsCollector counts cache outcomes and the size of bodies served from,
// or admitted to, a partition.
type statsCollector struct {
	hits   atomic.Uint64
	misses atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(outcome string, respBytes int) {
	switch outcome {
	case outcomeHit:
		s.hits.Add(1)
	case outcomeMiss:
		s.misses.Add(1)
	default:
		return
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	MinRespBytes uint64 `json:"minRespBytes"`
	MaxRespBytes uint64 `json:"maxRespBytes"`
	AvgRespBytes uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	ss := statsSnapshot{Hits: s.hits.Load(), Misses: s.misses.Load()}
	count := s.totalResponses.Load()
	if count == 0 {
		return ss
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	ss.MinRespBytes = minv
	ss.MaxRespBytes = s.maxRespBytes.Load()
	ss.AvgRespBytes = s.totalRespBytes.Load() / count
	return ss
}

func (w *Worker) observe(outcome string, respBytes int) {
	w.stats.Observe(outcome, respBytes)
}

type sizedStore interface {
	TotalSize() int64
}

func (w *Worker) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			w.logStats()
		}
	}
}

func (w *Worker) logStats() {
	ss := w.stats.Snapshot()
	ev := w.log.Info().
		Uint64("hits", ss.Hits).
		Uint64("misses", ss.Misses).
		Str("respMin", formatBytes(ss.MinRespBytes)).
		Str("respAvg", formatBytes(ss.AvgRespBytes)).
		Str("respMax", formatBytes(ss.MaxRespBytes))

	if names, err := w.store.Names(); err == nil {
		entries := 0
		for _, n := range names {
			if c, err := w.store.Partition(n).Len(); err == nil {
				entries += c
			}
		}
		ev = ev.Int("partitions", len(names)).Int("entries", entries)
	}
	if s, ok := w.store.(sizedStore); ok {
		ev = ev.Str("disk", formatBytes(uint64(s.TotalSize())))
	}
	if rss, ok := processRSSBytes(); ok {
		ev = ev.Str("rss", formatBytes(rss))
	}
	if vals, ok := processSmapsRollupBytes(); ok && vals["Rss"] >= vals["Anonymous"] {
		ev = ev.Str("anon", formatBytes(vals["Anonymous"])).Str("fileBacked", formatBytes(vals["Rss"]-vals["Anonymous"]))
	}
	ev.Msg("stats")
}
