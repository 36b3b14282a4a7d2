package sworker

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Worker struct {
		Version   string              `yaml:"version"`
		ProxyPath string              `yaml:"proxyPath"`
		Precache  []PrecacheEntry     `yaml:"precache"`
		Fallbacks map[string]Fallback `yaml:"fallbacks"`
	} `yaml:"worker"`

	Storage struct {
		Driver       string `yaml:"driver"`
		Path         string `yaml:"path"`
		MaxEntrySize string `yaml:"maxEntrySize"`

		maxEntryBytes int64
	} `yaml:"storage"`

	Registry struct {
		DSN string `yaml:"dsn"`
	} `yaml:"registry"`

	Logging struct {
		Level         string `yaml:"level"`
		Console       bool   `yaml:"console"`
		File          string `yaml:"file"`
		MaxSizeMB     int    `yaml:"maxSizeMB"`
		MaxBackups    int    `yaml:"maxBackups"`
		MaxAgeDays    int    `yaml:"maxAgeDays"`
		BufferSize    int    `yaml:"bufferSize"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Network struct {
		Timeout            string `yaml:"timeout"`
		Latency            string `yaml:"latency"`
		DownloadThroughput string `yaml:"downloadThroughput"`
		UploadThroughput   string `yaml:"uploadThroughput"`
		Offline            bool   `yaml:"offline"`

		timeoutDur time.Duration
		initial    NetworkConditions
	} `yaml:"network"`

	Proxy struct {
		MaxManifestSize string `yaml:"maxManifestSize"`

		maxManifestBytes int64
	} `yaml:"proxy"`

	Popup struct {
		Keywords []string `yaml:"keywords"`
		Markers  []string `yaml:"markers"`
	} `yaml:"popup"`

	Warmup struct {
		Sitemaps     []string `yaml:"sitemaps"`
		InitialDelay string   `yaml:"initialDelay"`

		initialDelayDur time.Duration
	} `yaml:"warmup"`

	Navigation Rule   `yaml:"navigation"`
	Rules      []Rule `yaml:"rules"`

	origin *url.URL
}

type PrecacheEntry struct {
	URL      string `yaml:"url"`
	Revision string `yaml:"revision"`
}

// Fallback names a substitute document and the partition it is kept in
// once fetched.
type Fallback struct {
	URL       string `yaml:"url"`
	Partition string `yaml:"partition"`
}

type StrategyKind int

const (
	CacheFirst StrategyKind = iota
	NetworkFirst
	StaleWhileRevalidate
)

func (k StrategyKind) String() string {
	switch k {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	}
	return fmt.Sprintf("strategy(%d)", int(k))
}

func parseStrategy(s string) (StrategyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cache-first", "cachefirst":
		return CacheFirst, nil
	case "network-first", "networkfirst":
		return NetworkFirst, nil
	case "stale-while-revalidate", "stalewhilerevalidate", "swr":
		return StaleWhileRevalidate, nil
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

const (
	admitJSONNoError  = "json-no-error"
	cleanupSuperseded = "superseded"
)

type Rule struct {
	Name           string `yaml:"name"`
	Match          string `yaml:"match"`
	Priority       int    `yaml:"priority"`
	Strategy       string `yaml:"strategy"`
	Partition      string `yaml:"partition"`
	MaxEntries     int    `yaml:"maxEntries"`
	MaxAge         string `yaml:"maxAge"`
	NetworkTimeout string `yaml:"networkTimeout"`
	Fallback       string `yaml:"fallback"`
	Admit          string `yaml:"admit"`
	Cleanup        string `yaml:"cleanup"`
	IgnoreSearch   bool   `yaml:"ignoreSearch"`

	// compiled
	matchers   []matcher
	kind       StrategyKind
	maxAge     time.Duration
	netTimeout time.Duration
}

func (r *Rule) Matches(req *http.Request) bool {
	for _, m := range r.matchers {
		if m.Match(req) {
			return true
		}
	}
	return false
}

func (r *Rule) Kind() StrategyKind { return r.kind }

const precacheBase = "precache"

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, fills defaults and compiles rules.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin: invalid origin %q", cfg.Server.Origin)
	}
	cfg.origin = &url.URL{Scheme: strings.ToLower(u.Scheme), Host: strings.ToLower(u.Host)}

	if err := cfg.normalizeWorker(); err != nil {
		return err
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.MaxEntrySize == "" {
		cfg.Storage.MaxEntrySize = "10mb"
	}
	if cfg.Storage.maxEntryBytes, err = parseBytes(cfg.Storage.MaxEntrySize); err != nil {
		return fmt.Errorf("storage.maxEntrySize: %w", err)
	}
	if cfg.Registry.DSN == "" {
		cfg.Registry.DSN = "./data/registry.sqlite3"
	}

	if err := cfg.normalizeLogging(); err != nil {
		return err
	}
	if err := cfg.normalizeNetwork(); err != nil {
		return err
	}

	if cfg.Proxy.MaxManifestSize == "" {
		cfg.Proxy.MaxManifestSize = "5mb"
	}
	if cfg.Proxy.maxManifestBytes, err = parseBytes(cfg.Proxy.MaxManifestSize); err != nil {
		return fmt.Errorf("proxy.maxManifestSize: %w", err)
	}

	if len(cfg.Popup.Keywords) == 0 {
		cfg.Popup.Keywords = defaultPopupKeywords()
	}
	if len(cfg.Popup.Markers) == 0 {
		cfg.Popup.Markers = defaultPopupMarkers()
	}

	if cfg.Warmup.InitialDelay != "" {
		d, err := time.ParseDuration(cfg.Warmup.InitialDelay)
		if err != nil {
			return fmt.Errorf("warmup.initialDelay: %w", err)
		}
		cfg.Warmup.initialDelayDur = d
	}

	return cfg.normalizeRules()
}

func (cfg *Config) normalizeWorker() error {
	if cfg.Worker.Version == "" {
		cfg.Worker.Version = "v1"
	}
	if strings.ContainsAny(cfg.Worker.Version, "- ") {
		return fmt.Errorf("worker.version %q must not contain dashes or spaces", cfg.Worker.Version)
	}
	if cfg.Worker.ProxyPath == "" {
		cfg.Worker.ProxyPath = "/worker-proxy"
	}
	if !strings.HasPrefix(cfg.Worker.ProxyPath, "/") {
		return fmt.Errorf("worker.proxyPath must start with /")
	}
	if len(cfg.Worker.Precache) == 0 {
		cfg.Worker.Precache = defaultPrecache()
	}
	for i, p := range cfg.Worker.Precache {
		if strings.TrimSpace(p.URL) == "" {
			return fmt.Errorf("worker.precache[%d]: empty url", i)
		}
	}
	if cfg.Worker.Fallbacks == nil {
		cfg.Worker.Fallbacks = defaultFallbacks()
	}
	return nil
}

func (cfg *Config) normalizeLogging() error {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if _, err := parseLogLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if !cfg.Logging.Console && cfg.Logging.File == "" {
		cfg.Logging.Console = true
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 50
	}
	if cfg.Logging.BufferSize <= 0 {
		cfg.Logging.BufferSize = 500
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}
	return nil
}

func (cfg *Config) normalizeNetwork() error {
	cfg.Network.timeoutDur = 30 * time.Second
	if cfg.Network.Timeout != "" {
		d, err := time.ParseDuration(cfg.Network.Timeout)
		if err != nil {
			return fmt.Errorf("network.timeout: %w", err)
		}
		cfg.Network.timeoutDur = d
	}
	p := NetworkConditions{Offline: cfg.Network.Offline}
	if cfg.Network.Latency != "" {
		d, err := time.ParseDuration(cfg.Network.Latency)
		if err != nil {
			return fmt.Errorf("network.latency: %w", err)
		}
		p.LatencyMs = d.Milliseconds()
	}
	if cfg.Network.DownloadThroughput != "" {
		n, err := parseBytes(cfg.Network.DownloadThroughput)
		if err != nil {
			return fmt.Errorf("network.downloadThroughput: %w", err)
		}
		p.DownloadThroughputBps = n
	}
	if cfg.Network.UploadThroughput != "" {
		n, err := parseBytes(cfg.Network.UploadThroughput)
		if err != nil {
			return fmt.Errorf("network.uploadThroughput: %w", err)
		}
		p.UploadThroughputBps = n
	}
	cfg.Network.initial = p
	return nil
}

func (cfg *Config) normalizeRules() error {
	if len(cfg.Rules) == 0 {
		cfg.Rules = defaultRules()
	}
	if cfg.Navigation.Partition == "" {
		cfg.Navigation = defaultNavigationRule()
	}

	seen := map[string]string{precacheBase: "precache"}
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if err := r.compile(true); err != nil {
			return fmt.Errorf("rules[%d] (%s): %w", i, r.Name, err)
		}
		if prev, dup := seen[r.Partition]; dup {
			return fmt.Errorf("rules[%d] (%s): partition %q already used by %s", i, r.Name, r.Partition, prev)
		}
		seen[r.Partition] = r.Name
	}
	if err := cfg.Navigation.compile(false); err != nil {
		return fmt.Errorf("navigation: %w", err)
	}
	if prev, dup := seen[cfg.Navigation.Partition]; dup {
		return fmt.Errorf("navigation: partition %q already used by %s", cfg.Navigation.Partition, prev)
	}

	for name, fb := range cfg.Worker.Fallbacks {
		if fb.URL == "" || fb.Partition == "" {
			return fmt.Errorf("worker.fallbacks.%s: url and partition are required", name)
		}
	}
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.Fallback == "" {
			continue
		}
		if _, ok := cfg.Worker.Fallbacks[r.Fallback]; !ok {
			return fmt.Errorf("rules[%d] (%s): unknown fallback %q", i, r.Name, r.Fallback)
		}
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

func (r *Rule) compile(needMatch bool) error {
	if r.Partition == "" {
		return fmt.Errorf("partition is required")
	}
	if strings.Contains(r.Partition, keySep) {
		return fmt.Errorf("invalid partition name %q", r.Partition)
	}
	if r.Name == "" {
		r.Name = r.Partition
	}
	if needMatch || r.Match != "" {
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("match: %w", err)
		}
		r.matchers = ms
	}
	kind, err := parseStrategy(r.Strategy)
	if err != nil {
		return err
	}
	r.kind = kind
	if r.MaxAge != "" {
		d, err := time.ParseDuration(r.MaxAge)
		if err != nil {
			return fmt.Errorf("maxAge: %w", err)
		}
		r.maxAge = d
	}
	if r.NetworkTimeout != "" {
		d, err := time.ParseDuration(r.NetworkTimeout)
		if err != nil {
			return fmt.Errorf("networkTimeout: %w", err)
		}
		r.netTimeout = d
	}
	switch r.Admit {
	case "", admitJSONNoError:
	default:
		return fmt.Errorf("unknown admit predicate %q", r.Admit)
	}
	switch r.Cleanup {
	case "", cleanupSuperseded:
	default:
		return fmt.Errorf("unknown cleanup %q", r.Cleanup)
	}
	return nil
}

// partitionBases lists every partition base name the current config owns.
func (cfg *Config) partitionBases() []string {
	out := []string{precacheBase, cfg.Navigation.Partition}
	for _, r := range cfg.Rules {
		out = append(out, r.Partition)
	}
	for _, fb := range cfg.Worker.Fallbacks {
		out = append(out, fb.Partition)
	}
	return out
}

func (cfg *Config) ruleForPartition(base string) *Rule {
	if cfg.Navigation.Partition == base {
		return &cfg.Navigation
	}
	for i := range cfg.Rules {
		if cfg.Rules[i].Partition == base {
			return &cfg.Rules[i]
		}
	}
	return nil
}

// originURL resolves a same-origin path against server.origin.
func (cfg *Config) originURL(p string) string {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return cfg.Server.Origin + p
}

func defaultPrecache() []PrecacheEntry {
	return []PrecacheEntry{
		{URL: "/", Revision: "1"},
		{URL: "/index.html", Revision: "1"},
		{URL: "/offline.html", Revision: "1"},
		{URL: "/images/placeholder.svg", Revision: "1"},
		{URL: "/favicon.ico", Revision: "1"},
	}
}

func defaultFallbacks() map[string]Fallback {
	return map[string]Fallback{
		"offline":     {URL: "/offline.html", Partition: "pages-cache"},
		"placeholder": {URL: "/images/placeholder.svg", Partition: "static-assets"},
	}
}

func defaultNavigationRule() Rule {
	return Rule{
		Name:           "pages",
		Strategy:       "network-first",
		Partition:      "pages-cache",
		MaxEntries:     50,
		MaxAge:         "24h",
		NetworkTimeout: "3s",
		Fallback:       "offline",
	}
}

func defaultRules() []Rule {
	return []Rule{
		{
			Name:       "static-assets",
			Match:      "Ext(css,js,mjs,woff,woff2,ttf,otf,eot) | Dest(style) | Dest(script) | Dest(font)",
			Priority:   10,
			Strategy:   "cache-first",
			Partition:  "static-assets",
			MaxEntries: 100,
			MaxAge:     "720h",
		},
		{
			Name:       "images",
			Match:      "Ext(png,jpg,jpeg,gif,webp,avif,svg,ico) | Dest(image)",
			Priority:   20,
			Strategy:   "cache-first",
			Partition:  "images",
			MaxEntries: 200,
			MaxAge:     "720h",
			Fallback:   "placeholder",
		},
		{
			Name:           "api",
			Match:          "Host(api.themoviedb.org)",
			Priority:       30,
			Strategy:       "network-first",
			Partition:      "api",
			MaxEntries:     100,
			MaxAge:         "24h",
			NetworkTimeout: "5s",
			Admit:          admitJSONNoError,
		},
		{
			Name:           "realtime-data",
			Match:          "HostSuffix(.firebaseio.com) | HostSuffix(.firebasedatabase.app)",
			Priority:       40,
			Strategy:       "network-first",
			Partition:      "realtime-data",
			MaxEntries:     50,
			MaxAge:         "1h",
			NetworkTimeout: "3s",
			Cleanup:        cleanupSuperseded,
		},
		{
			Name:           "third-party-api",
			Match:          "Host(www.omdbapi.com) | Host(api.jikan.moe)",
			Priority:       50,
			Strategy:       "network-first",
			Partition:      "third-party-api",
			MaxEntries:     30,
			MaxAge:         "1h",
			NetworkTimeout: "2s",
		},
	}
}
