package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// Snapshot is the complete proxy configuration. A Snapshot is immutable
// once built: reloads and admin mutations construct a new Snapshot and
// swap it into the Store. Every request captures one Snapshot pointer and
// uses it for its whole lifetime.
type Snapshot struct {
	OriginDomains  []string
	DefaultBackend Backend
	RouteRules     []RouteRule

	Cache          CacheConfig
	FileResolution FileResolutionConfig
	URLTransform   URLTransformConfig
	Transformers   TransformersConfig
	Performance    PerformanceConfig
	Server         ServerConfig

	// RulesFile is the optional YAML file carrying RouteRules. When set,
	// the file is watched and a change produces a new Snapshot.
	RulesFile string

	Generation int64
	LoadedAt   time.Time

	// envRules holds the rules that came from the environment, so a
	// rules-file reload can recompose the full list.
	envRules []RouteRule

	originSet    map[string]struct{}
	wildcardPats []*regexp.Regexp
}

// Backend identifies an upstream host and how to reach it.
type Backend struct {
	Host   string `json:"host" yaml:"host"`
	UseTLS bool   `json:"useTLS" yaml:"useTLS"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	DefaultTTL          time.Duration
	MaxTTL              time.Duration
	CheckPeriod         time.Duration
	MaxItems            int
	RespectCacheControl bool
	StatusCodes         []int
	ContentTypes        []string
	CacheCookies        bool
}

// RetryConfig bounds probe retries for transient failures.
type RetryConfig struct {
	Attempts int           `json:"attempts" yaml:"attempts"`
	Delay    time.Duration `json:"delay" yaml:"delay"`
}

// ResolutionCacheConfig sizes the file-resolution cache.
type ResolutionCacheConfig struct {
	TTL         time.Duration `json:"ttl" yaml:"ttl"`
	NegativeTTL time.Duration `json:"negativeTTL" yaml:"negativeTTL"`
	MaxSize     int           `json:"maxSize" yaml:"maxSize"`
}

// BreakerConfig tunes the per-backend circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `json:"failureThreshold" yaml:"failureThreshold"`
	ResetTimeout     time.Duration `json:"resetTimeout" yaml:"resetTimeout"`
	MonitorWindow    time.Duration `json:"monitorWindow" yaml:"monitorWindow"`
}

// DomainOverride carries per-domain file-resolution settings.
type DomainOverride struct {
	Extensions []string `json:"extensions" yaml:"extensions"`
}

// FileResolutionConfig controls extension probing for extensionless paths.
type FileResolutionConfig struct {
	Enabled             bool
	Extensions          []string
	Timeout             time.Duration
	MaxConcurrent       int
	Retry               RetryConfig
	Cache               ResolutionCacheConfig
	Breaker             BreakerConfig
	DomainOverrides     map[string]DomainOverride
	AllowedContentTypes []string
	BlockPrivateIPs     bool
	UserAgent           string
	MaxFileSize         int64
}

// ExtensionsFor returns the probe extension list for a domain, falling
// back to the default list when no override exists.
func (c FileResolutionConfig) ExtensionsFor(domain string) []string {
	if ov, ok := c.DomainOverrides[strings.ToLower(domain)]; ok && len(ov.Extensions) > 0 {
		return ov.Extensions
	}
	return c.Extensions
}

// URLTransformConfig controls URL rewriting inside response bodies.
type URLTransformConfig struct {
	Enabled           bool
	HTML              bool
	JS                bool
	CSS               bool
	Inline            bool
	Data              bool
	PreserveFragments bool
	PreserveQuery     bool
	MaxContentSize    int64
	MaxCacheSize      int
	Debug             bool
}

// MarkdownOptions tunes the Markdown transformer.
type MarkdownOptions struct {
	CodeHighlight bool   `json:"codeHighlight" yaml:"codeHighlight"`
	Theme         string `json:"theme" yaml:"theme"`
}

// CSVOptions tunes the CSV transformer.
type CSVOptions struct {
	MaxRows int `json:"maxRows" yaml:"maxRows"`
}

// JSONOptions tunes the JSON transformer.
type JSONOptions struct {
	Indent string `json:"indent" yaml:"indent"`
}

// TextOptions tunes the plain-text transformer.
type TextOptions struct {
	TabWidth int `json:"tabWidth" yaml:"tabWidth"`
}

// HTMLOptions tunes the HTML transformer.
type HTMLOptions struct {
	Minify        bool `json:"minify" yaml:"minify"`
	InjectCharset bool `json:"injectCharset" yaml:"injectCharset"`
}

// TransformersConfig enables content transformers and their options.
type TransformersConfig struct {
	Enabled  bool
	Markdown bool
	CSV      bool
	JSON     bool
	XML      bool
	Text     bool
	HTML     bool

	MarkdownOptions MarkdownOptions
	CSVOptions      CSVOptions
	JSONOptions     JSONOptions
	TextOptions     TextOptions
	HTMLOptions     HTMLOptions
}

// PerformanceConfig bounds upstream I/O.
type PerformanceConfig struct {
	Timeout    time.Duration
	MaxSockets int
}

// ServerConfig carries listener addresses and identity headers.
type ServerConfig struct {
	Listen      string
	AdminListen string

	CDNName   string
	ProxyName string
	ServedBy  string

	StrictDomains         bool
	SecurityHeaders       bool
	ContentSecurityPolicy string

	ShutdownGrace time.Duration
	LogLevel      string
	LogFormat     string
}

// Default returns a Snapshot populated with every default value. Env and
// rules-file loading layer on top of this.
func Default() *Snapshot {
	return &Snapshot{
		DefaultBackend: Backend{UseTLS: true},
		Cache: CacheConfig{
			DefaultTTL:          10 * time.Minute,
			MaxTTL:              24 * time.Hour,
			CheckPeriod:         time.Minute,
			MaxItems:            1000,
			RespectCacheControl: true,
			StatusCodes:         []int{200, 203, 301, 308, 404, 410},
			ContentTypes: []string{
				"text/", "application/javascript", "application/json",
				"application/xml", "image/", "font/", "application/font",
			},
			CacheCookies: false,
		},
		FileResolution: FileResolutionConfig{
			Enabled:       true,
			Extensions:    []string{"html", "md", "json", "csv", "txt"},
			Timeout:       5 * time.Second,
			MaxConcurrent: 8,
			Retry:         RetryConfig{Attempts: 2, Delay: 200 * time.Millisecond},
			Cache: ResolutionCacheConfig{
				TTL:         5 * time.Minute,
				NegativeTTL: time.Minute,
				MaxSize:     2048,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
				MonitorWindow:    time.Minute,
			},
			AllowedContentTypes: []string{
				"text/", "application/json", "application/javascript",
				"application/xml", "application/xhtml+xml",
			},
			BlockPrivateIPs: false,
			UserAgent:       "edgeproxy-probe/1.0",
			MaxFileSize:     10 << 20,
		},
		URLTransform: URLTransformConfig{
			Enabled:           true,
			HTML:              true,
			JS:                true,
			CSS:               true,
			Inline:            true,
			Data:              false,
			PreserveFragments: true,
			PreserveQuery:     true,
			MaxContentSize:    5 << 20,
			MaxCacheSize:      10000,
		},
		Transformers: TransformersConfig{
			Enabled:  true,
			Markdown: true,
			CSV:      true,
			JSON:     true,
			XML:      true,
			Text:     true,
			HTML:     true,
			MarkdownOptions: MarkdownOptions{
				CodeHighlight: true,
				Theme:         "github",
			},
			CSVOptions:  CSVOptions{MaxRows: 5000},
			JSONOptions: JSONOptions{Indent: "  "},
			TextOptions: TextOptions{TabWidth: 4},
			HTMLOptions: HTMLOptions{InjectCharset: true},
		},
		Performance: PerformanceConfig{
			Timeout:    30 * time.Second,
			MaxSockets: 256,
		},
		Server: ServerConfig{
			Listen:        ":8080",
			AdminListen:   "127.0.0.1:9090",
			CDNName:       "edgeproxy",
			ProxyName:     "edgeproxy",
			ServedBy:      "edgeproxy",
			StrictDomains: false,
			ShutdownGrace: 15 * time.Second,
			LogLevel:      "info",
			LogFormat:     "json",
		},
		LoadedAt: time.Now(),
	}
}

// Validate builds the derived origin lookup state and checks the
// snapshot for configuration errors. A malformed rule is a startup
// failure, never a request-time one. Safe to call repeatedly.
func (s *Snapshot) Validate() error {
	if err := s.normalize(); err != nil {
		return err
	}
	if s.DefaultBackend.Host == "" && len(s.RouteRules) == 0 {
		return fmt.Errorf("no default backend and no route rules configured")
	}
	if s.Cache.MaxItems <= 0 {
		return fmt.Errorf("cache.maxItems must be positive, got %d", s.Cache.MaxItems)
	}
	if s.Cache.DefaultTTL > s.Cache.MaxTTL {
		return fmt.Errorf("cache.defaultTTL %v exceeds maxTTL %v", s.Cache.DefaultTTL, s.Cache.MaxTTL)
	}
	if s.FileResolution.MaxConcurrent <= 0 {
		return fmt.Errorf("fileResolution.maxConcurrent must be positive, got %d", s.FileResolution.MaxConcurrent)
	}
	if s.FileResolution.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("fileResolution.circuitBreaker.failureThreshold must be positive")
	}
	for i := range s.RouteRules {
		if err := s.RouteRules[i].validate(); err != nil {
			return fmt.Errorf("route rule %d (%s): %w", i, s.RouteRules[i].Domain, err)
		}
	}
	return nil
}

// normalize lowercases domains and builds the derived origin lookup
// structures. Called once after loading; the snapshot is read-only after.
// Derived slices are freshly allocated so copies never alias a previous
// snapshot's state.
func (s *Snapshot) normalize() error {
	s.originSet = make(map[string]struct{}, len(s.OriginDomains)+len(s.RouteRules))
	s.wildcardPats = nil
	domains := make([]string, 0, len(s.OriginDomains))
	for _, d := range s.OriginDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		domains = append(domains, d)
		if d == "" {
			continue
		}
		if strings.Contains(d, "*") {
			re, err := CompileWildcard(d)
			if err != nil {
				return fmt.Errorf("origin domain %q: %w", d, err)
			}
			s.wildcardPats = append(s.wildcardPats, re)
		} else {
			s.originSet[d] = struct{}{}
		}
	}
	s.OriginDomains = domains
	for i := range s.RouteRules {
		r := &s.RouteRules[i]
		r.Domain = strings.ToLower(strings.TrimSpace(r.Domain))
		if r.Domain == "" {
			continue
		}
		if strings.Contains(r.Domain, "*") {
			re, err := CompileWildcard(r.Domain)
			if err != nil {
				return fmt.Errorf("route rule %d: %w", i, err)
			}
			s.wildcardPats = append(s.wildcardPats, re)
		} else {
			s.originSet[r.Domain] = struct{}{}
		}
	}
	lowered := make(map[string]DomainOverride, len(s.FileResolution.DomainOverrides))
	for d, ov := range s.FileResolution.DomainOverrides {
		lowered[strings.ToLower(d)] = ov
	}
	s.FileResolution.DomainOverrides = lowered
	return nil
}

// CompileWildcard turns a pattern like "*.example.com" into a regexp
// where the wildcard matches exactly one label.
func CompileWildcard(pattern string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(pattern)
	expr := "^" + strings.ReplaceAll(escaped, `\*`, `[^.]+`) + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid wildcard pattern %q: %w", pattern, err)
	}
	return re, nil
}

// IsOrigin reports whether host (optionally carrying a port) is a domain
// this proxy fronts: an origin domain, a rule domain, or a wildcard match
// from either list.
func (s *Snapshot) IsOrigin(host string) bool {
	h := StripPort(strings.ToLower(host))
	if h == "" {
		return false
	}
	if _, ok := s.originSet[h]; ok {
		return true
	}
	for _, re := range s.wildcardPats {
		if re.MatchString(h) {
			return true
		}
	}
	return false
}

// StripPort removes a trailing :port from a host if present. Bare IPv6
// literals are returned unchanged.
func StripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// WithDomainExtensions returns a copy of the snapshot with the probe
// extension list for one domain replaced. The receiver is not modified;
// callers swap the result into the Store.
func (s *Snapshot) WithDomainExtensions(domain string, extensions []string) *Snapshot {
	next := *s
	next.FileResolution.DomainOverrides = make(map[string]DomainOverride, len(s.FileResolution.DomainOverrides)+1)
	for d, ov := range s.FileResolution.DomainOverrides {
		next.FileResolution.DomainOverrides[d] = ov
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	if len(extensions) == 0 {
		delete(next.FileResolution.DomainOverrides, domain)
	} else {
		next.FileResolution.DomainOverrides[domain] = DomainOverride{Extensions: extensions}
	}
	next.Generation = s.Generation + 1
	next.LoadedAt = time.Now()
	return &next
}

// WithRouteRules returns a copy of the snapshot with the rules-file rule
// list replaced. Environment-defined rules are preserved ahead of the new
// file rules. Used by the rules-file watcher.
func (s *Snapshot) WithRouteRules(fileRules []RouteRule) (*Snapshot, error) {
	next := *s
	next.RouteRules = make([]RouteRule, 0, len(s.envRules)+len(fileRules))
	next.RouteRules = append(next.RouteRules, s.envRules...)
	next.RouteRules = append(next.RouteRules, fileRules...)
	next.Generation = s.Generation + 1
	next.LoadedAt = time.Now()
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return &next, nil
}
