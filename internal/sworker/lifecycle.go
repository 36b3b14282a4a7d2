package sworker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/sjson"

	"sworker/internal/registry"
)

type LifecycleState string

const (
	StateParsed     LifecycleState = "parsed"
	StateInstalling LifecycleState = "installing"
	StateInstalled  LifecycleState = "installed"
	StateActivating LifecycleState = "activating"
	StateActivated  LifecycleState = "activated"
	StateRedundant  LifecycleState = "redundant"
)

const msgWorkerActivated = "WORKER_ACTIVATED"

func (w *Worker) State() LifecycleState {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.state
}

func (w *Worker) setState(s LifecycleState) {
	w.stateMu.Lock()
	w.state = s
	w.stateMu.Unlock()
	if err := w.registry.SetVersionState(w.cfg.Worker.Version, string(s), w.now()); err != nil {
		w.log.Warn().Err(err).Str("state", string(s)).Msg("registry: version state not recorded")
	}
	w.log.Info().Str("version", w.cfg.Worker.Version).Str("state", string(s)).Msg("lifecycle")
}

// Start installs and, on success, activates right away without waiting for
// older clients to go away.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	return w.Activate(ctx)
}

// Install resets runtime state to its configured defaults and seeds the
// precache partition from the origin. URLs whose revision is unchanged and
// which are already stored are not fetched again. Any failed seed makes the
// worker redundant.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	w.conditions.Set(w.cfg.Network.initial)

	version := w.cfg.Worker.Version
	p := w.partition(precacheBase)
	wanted := make(map[string]struct{}, len(w.cfg.Worker.Precache))
	fetched, kept := 0, 0

	for _, pe := range w.cfg.Worker.Precache {
		target := w.cfg.originURL(pe.URL)
		wanted[target] = struct{}{}

		if w.precacheCurrent(p, target, pe.Revision) {
			kept++
			continue
		}
		if err := w.precacheOne(ctx, p, target, pe.Revision); err != nil {
			w.setState(StateRedundant)
			return fmt.Errorf("install %s: precache %s: %w", version, target, err)
		}
		fetched++
	}

	keys, err := p.Keys()
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("install %s: list precache: %w", version, err)
	}
	removed := 0
	for _, k := range keys {
		if _, ok := wanted[k]; ok {
			continue
		}
		if err := p.Delete(k); err != nil {
			w.log.Warn().Err(err).Str("url", k).Msg("stale precache entry not removed")
			continue
		}
		if err := w.registry.DeleteRevision(version, k); err != nil {
			w.log.Warn().Err(err).Str("url", k).Msg("registry: revision not removed")
		}
		removed++
	}

	w.log.Info().Int("fetched", fetched).Int("kept", kept).Int("removed", removed).Msg("precache seeded")
	w.setState(StateInstalled)
	return nil
}

func (w *Worker) precacheCurrent(p Partition, target, revision string) bool {
	rev, err := w.registry.Revision(w.cfg.Worker.Version, target)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			w.log.Warn().Err(err).Str("url", target).Msg("registry: revision lookup failed")
		}
		return false
	}
	if rev != revision {
		return false
	}
	_, ok, err := p.Get(target)
	return err == nil && ok
}

func (w *Worker) precacheOne(ctx context.Context, p Partition, target, revision string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	up, err := w.fetchEntry(ctx, req)
	if err != nil {
		return err
	}
	if !up.complete {
		up.resp.Body.Close()
		return fmt.Errorf("larger than storage.maxEntrySize")
	}
	if up.ent.Status != http.StatusOK {
		return fmt.Errorf("status %d", up.ent.Status)
	}
	ent := up.ent
	ent.Revision = revision
	if err := p.Put(target, ent); err != nil {
		return err
	}
	return w.registry.SetRevision(w.cfg.Worker.Version, target, revision)
}

// Activate purges partitions left by other versions, claims clients so that
// requests are intercepted from now on, and tells connected clients.
func (w *Worker) Activate(ctx context.Context) error {
	switch st := w.State(); st {
	case StateInstalled, StateActivated:
	default:
		return fmt.Errorf("activate: worker is %s", st)
	}
	w.setState(StateActivating)

	purged, err := w.purgeRetired()
	if err != nil {
		w.log.Warn().Err(err).Msg("retired partition purge incomplete")
	}

	w.claimed.Store(true)
	w.setState(StateActivated)

	msg := []byte(`{"type":"` + msgWorkerActivated + `"}`)
	if m, err := sjson.SetBytes(msg, "payload.version", w.cfg.Worker.Version); err == nil {
		msg = m
	}
	if m, err := sjson.SetBytes(msg, "payload.purged", purged); err == nil {
		msg = m
	}
	w.hub.Broadcast(msg)

	w.startWarmup()
	return nil
}

// purgeRetired drops every partition whose base this config owns but whose
// version suffix is not the current one.
func (w *Worker) purgeRetired() ([]string, error) {
	names, err := w.store.Names()
	if err != nil {
		return nil, err
	}
	bases := map[string]struct{}{}
	for _, b := range w.cfg.partitionBases() {
		bases[b] = struct{}{}
	}

	purged := []string{}
	var errs []error
	for _, name := range names {
		base, version, ok := splitPartitionName(name)
		if !ok || version == w.cfg.Worker.Version {
			continue
		}
		if _, known := bases[base]; !known {
			continue
		}
		if err := w.store.Drop(name); err != nil {
			errs = append(errs, fmt.Errorf("drop %s: %w", name, err))
			continue
		}
		if err := w.registry.RetirePartition(name, w.cfg.Worker.Version, w.now()); err != nil {
			w.log.Warn().Err(err).Str("partition", name).Msg("registry: retired partition not recorded")
		}
		w.log.Info().Str("partition", name).Msg("purged retired partition")
		purged = append(purged, name)
	}
	return purged, errors.Join(errs...)
}
