package sworker

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"sworker/internal/registry"
)

// Worker owns every piece of state shared between requests. All handlers
// hang off it; there is no package-level mutable state.
type Worker struct {
	cfg Config

	log       zerolog.Logger
	sink      *logSink
	logCloser io.Closer

	store    Store
	registry *registry.Registry

	client      *http.Client // redirects are returned, not followed
	proxyClient *http.Client
	conditions  *conditions

	proxyHeaders  *headerRegistry
	iframeOrigins *originSet
	popups        *popupFilter
	hub           *clientHub

	stateMu sync.RWMutex
	state   LifecycleState
	claimed atomic.Bool

	admitMu sync.Mutex
	bgSem   chan struct{}

	bgMu      sync.RWMutex
	stopped   bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	queueLog *rateLimitedLogger
	stats    *statsCollector

	now func() time.Time
}

type options struct {
	transport http.RoundTripper
	store     Store
	registry  *registry.Registry
	logOut    io.Writer
	now       func() time.Time
}

type Option func(*options)

// WithTransport replaces the network below the shaper.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

func WithRegistry(r *registry.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogOutput sends log lines to out instead of the configured console and file.
func WithLogOutput(out io.Writer) Option {
	return func(o *options) { o.logOut = out }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewWorker wires a worker from a loaded config. The worker intercepts
// nothing until Start (or Install and Activate) has run.
func NewWorker(cfg Config, opts ...Option) (*Worker, error) {
	if cfg.origin == nil {
		return nil, errors.New("config not loaded: use LoadConfig or ParseConfig")
	}
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	hub := newClientHub()
	out, logCloser := o.logOut, io.Closer(closerFunc(func() error { return nil }))
	if out == nil {
		out, logCloser = newLogOutput(cfg)
	}
	level, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	sink := newLogSink(out, level, cfg.Logging.BufferSize, hub)
	log := zerolog.New(sink).With().Timestamp().Logger()
	hub.log = log.With().Str("component", "clients").Logger()

	w := &Worker{
		cfg:           cfg,
		log:           log,
		sink:          sink,
		logCloser:     logCloser,
		conditions:    newConditions(cfg.Network.initial),
		proxyHeaders:  newHeaderRegistry(),
		iframeOrigins: newOriginSet(),
		hub:           hub,
		state:         StateParsed,
		bgSem:         make(chan struct{}, 32),
		stopCh:        make(chan struct{}),
		stats:         newStatsCollector(),
		now:           o.now,
	}
	w.queueLog = newRateLimitedLogger(log, time.Minute)
	w.popups = newPopupFilter(
		trustedIframeReferrer(w.iframeOrigins),
		keywordDenylist(cfg.Popup.Keywords),
		openMarkers(cfg.Popup.Markers),
	)
	hub.upgrader.CheckOrigin = w.controlAllowed
	hub.onMessage = func(client string, msg []byte) {
		if _, err := w.HandleMessage(msg); err != nil {
			w.log.Debug().Str("client", client).Msg("client sent a malformed message")
		}
	}

	base := o.transport
	if base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}
	shaped := &shapedTransport{base: base, cond: w.conditions}
	w.client = &http.Client{
		Transport: shaped,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	w.proxyClient = &http.Client{Transport: shaped}

	w.store = o.store
	if w.store == nil {
		if w.store, err = OpenStore(cfg); err != nil {
			_ = logCloser.Close()
			return nil, err
		}
	}
	w.registry = o.registry
	if w.registry == nil {
		if w.registry, err = registry.Open(cfg.Registry.DSN, log.With().Str("component", "registry").Logger()); err != nil {
			_ = w.store.Close()
			_ = logCloser.Close()
			return nil, err
		}
	}

	if every := cfg.Logging.logStatsEveryDur; every > 0 {
		w.spawn(func() { w.statsLoop(every) })
	}
	return w, nil
}

// spawn runs fn on a goroutine tracked by Close. It reports false, and runs
// nothing, once the worker is stopping.
func (w *Worker) spawn(fn func()) bool {
	w.bgMu.RLock()
	defer w.bgMu.RUnlock()
	if w.stopped {
		return false
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
	return true
}

// stop refuses new background work and signals running loops to return.
func (w *Worker) stop() {
	w.stopOnce.Do(func() {
		w.bgMu.Lock()
		w.stopped = true
		w.bgMu.Unlock()
		close(w.stopCh)
	})
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// Close stops background work and releases storage, registry and log file.
func (w *Worker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.stop()
		w.wg.Wait()
		w.hub.closeAll()
		err = errors.Join(w.store.Close(), w.registry.Close(), w.logCloser.Close())
	})
	return err
}

func (w *Worker) Logger() zerolog.Logger { return w.log }

// Handle classifies r and produces its response. r.URL must be absolute.
func (w *Worker) Handle(r *http.Request) *http.Response {
	d := w.classify(r)
	switch d.kind {
	case routeProxy:
		return w.proxy(r)
	case routePopup:
		w.log.Info().Str("url", r.URL.Redacted()).Str("referrer", r.Referer()).Str("reason", d.reason).Msg("popup blocked")
		return popupResponse(r)
	case routeNavigation, routeRule:
		return w.applyRule(r, d.rule)
	}
	return w.passThrough(r)
}

// ServeHTTP serves both origin-relative requests, which are mapped onto
// server.origin, and absolute-form proxy requests.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		http.Error(rw, "CONNECT not supported", http.StatusMethodNotAllowed)
		return
	}
	resp := w.Handle(w.targetRequest(r))
	writeResponse(rw, resp)
}

func (w *Worker) targetRequest(r *http.Request) *http.Request {
	if r.URL.IsAbs() {
		return r
	}
	u := &url.URL{
		Scheme:   w.cfg.origin.Scheme,
		Host:     w.cfg.origin.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	out := r.Clone(r.Context())
	out.URL = u
	return out
}
