package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edgeproxy/edgeproxy/internal/logging"
)

// FromEnv builds a Snapshot from environment variables layered over the
// defaults. Every ConfigSnapshot field has an EDGE_* key; JSON-valued
// variables that fail to parse are replaced by an empty value with a
// warning instead of failing startup. A rules file named by
// EDGE_RULES_FILE is loaded here as well; a malformed rules file or rule
// is a startup error.
func FromEnv() (*Snapshot, error) {
	s := Default()

	s.OriginDomains = getEnvList("EDGE_ORIGIN_DOMAINS", s.OriginDomains)
	s.DefaultBackend.Host = getEnv("EDGE_DEFAULT_BACKEND", s.DefaultBackend.Host)
	s.DefaultBackend.UseTLS = getEnvBool("EDGE_BACKEND_TLS", s.DefaultBackend.UseTLS)

	if raw, ok := os.LookupEnv("EDGE_ROUTE_RULES"); ok && raw != "" {
		var rules []RouteRule
		if err := json.Unmarshal([]byte(raw), &rules); err != nil {
			logging.Warn("unparseable EDGE_ROUTE_RULES, using empty rule list",
				zap.Error(err))
		} else {
			s.RouteRules = rules
		}
	}

	c := &s.Cache
	c.DefaultTTL = getEnvDuration("EDGE_CACHE_DEFAULT_TTL", c.DefaultTTL)
	c.MaxTTL = getEnvDuration("EDGE_CACHE_MAX_TTL", c.MaxTTL)
	c.CheckPeriod = getEnvDuration("EDGE_CACHE_CHECK_PERIOD", c.CheckPeriod)
	c.MaxItems = getEnvInt("EDGE_CACHE_MAX_ITEMS", c.MaxItems)
	c.RespectCacheControl = getEnvBool("EDGE_CACHE_RESPECT_CACHE_CONTROL", c.RespectCacheControl)
	c.StatusCodes = getEnvIntList("EDGE_CACHE_STATUS_CODES", c.StatusCodes)
	c.ContentTypes = getEnvList("EDGE_CACHE_CONTENT_TYPES", c.ContentTypes)
	c.CacheCookies = getEnvBool("EDGE_CACHE_COOKIES", c.CacheCookies)

	f := &s.FileResolution
	f.Enabled = getEnvBool("EDGE_FILERES_ENABLED", f.Enabled)
	f.Extensions = getEnvList("EDGE_FILERES_EXTENSIONS", f.Extensions)
	f.Timeout = getEnvDuration("EDGE_FILERES_TIMEOUT", f.Timeout)
	f.MaxConcurrent = getEnvInt("EDGE_FILERES_MAX_CONCURRENT", f.MaxConcurrent)
	f.Retry.Attempts = getEnvInt("EDGE_FILERES_RETRY_ATTEMPTS", f.Retry.Attempts)
	f.Retry.Delay = getEnvDuration("EDGE_FILERES_RETRY_DELAY", f.Retry.Delay)
	f.Cache.TTL = getEnvDuration("EDGE_FILERES_CACHE_TTL", f.Cache.TTL)
	f.Cache.NegativeTTL = getEnvDuration("EDGE_FILERES_CACHE_NEGATIVE_TTL", f.Cache.NegativeTTL)
	f.Cache.MaxSize = getEnvInt("EDGE_FILERES_CACHE_MAX_SIZE", f.Cache.MaxSize)
	f.Breaker.FailureThreshold = getEnvInt("EDGE_FILERES_CB_FAILURE_THRESHOLD", f.Breaker.FailureThreshold)
	f.Breaker.ResetTimeout = getEnvDuration("EDGE_FILERES_CB_RESET_TIMEOUT", f.Breaker.ResetTimeout)
	f.Breaker.MonitorWindow = getEnvDuration("EDGE_FILERES_CB_MONITOR_WINDOW", f.Breaker.MonitorWindow)
	f.AllowedContentTypes = getEnvList("EDGE_FILERES_ALLOWED_CONTENT_TYPES", f.AllowedContentTypes)
	f.BlockPrivateIPs = getEnvBool("EDGE_FILERES_BLOCK_PRIVATE_IPS", f.BlockPrivateIPs)
	f.UserAgent = getEnv("EDGE_FILERES_USER_AGENT", f.UserAgent)
	f.MaxFileSize = getEnvInt64("EDGE_FILERES_MAX_FILE_SIZE", f.MaxFileSize)

	if raw, ok := os.LookupEnv("EDGE_FILERES_DOMAIN_CONFIG"); ok && raw != "" {
		overrides := map[string]DomainOverride{}
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			logging.Warn("unparseable EDGE_FILERES_DOMAIN_CONFIG, using empty overrides",
				zap.Error(err))
			overrides = map[string]DomainOverride{}
		}
		f.DomainOverrides = overrides
	}

	u := &s.URLTransform
	u.Enabled = getEnvBool("EDGE_URLT_ENABLED", u.Enabled)
	u.HTML = getEnvBool("EDGE_URLT_HTML", u.HTML)
	u.JS = getEnvBool("EDGE_URLT_JS", u.JS)
	u.CSS = getEnvBool("EDGE_URLT_CSS", u.CSS)
	u.Inline = getEnvBool("EDGE_URLT_INLINE", u.Inline)
	u.Data = getEnvBool("EDGE_URLT_DATA", u.Data)
	u.PreserveFragments = getEnvBool("EDGE_URLT_PRESERVE_FRAGMENTS", u.PreserveFragments)
	u.PreserveQuery = getEnvBool("EDGE_URLT_PRESERVE_QUERY", u.PreserveQuery)
	u.MaxContentSize = getEnvInt64("EDGE_URLT_MAX_CONTENT_SIZE", u.MaxContentSize)
	u.MaxCacheSize = getEnvInt("EDGE_URLT_MAX_CACHE_SIZE", u.MaxCacheSize)
	u.Debug = getEnvBool("EDGE_URLT_DEBUG", u.Debug)

	t := &s.Transformers
	t.Enabled = getEnvBool("EDGE_TRANSFORMERS_ENABLED", t.Enabled)
	t.Markdown = getEnvBool("EDGE_TRANSFORM_MARKDOWN", t.Markdown)
	t.CSV = getEnvBool("EDGE_TRANSFORM_CSV", t.CSV)
	t.JSON = getEnvBool("EDGE_TRANSFORM_JSON", t.JSON)
	t.XML = getEnvBool("EDGE_TRANSFORM_XML", t.XML)
	t.Text = getEnvBool("EDGE_TRANSFORM_TEXT", t.Text)
	t.HTML = getEnvBool("EDGE_TRANSFORM_HTML", t.HTML)
	decodeJSONEnv("EDGE_TRANSFORM_MARKDOWN_OPTIONS", &t.MarkdownOptions)
	decodeJSONEnv("EDGE_TRANSFORM_CSV_OPTIONS", &t.CSVOptions)
	decodeJSONEnv("EDGE_TRANSFORM_JSON_OPTIONS", &t.JSONOptions)
	decodeJSONEnv("EDGE_TRANSFORM_TEXT_OPTIONS", &t.TextOptions)
	decodeJSONEnv("EDGE_TRANSFORM_HTML_OPTIONS", &t.HTMLOptions)

	s.Performance.Timeout = getEnvDuration("EDGE_TIMEOUT", s.Performance.Timeout)
	s.Performance.MaxSockets = getEnvInt("EDGE_MAX_SOCKETS", s.Performance.MaxSockets)

	srv := &s.Server
	srv.Listen = getEnv("EDGE_LISTEN", srv.Listen)
	srv.AdminListen = getEnv("EDGE_ADMIN_LISTEN", srv.AdminListen)
	srv.CDNName = getEnv("EDGE_CDN_NAME", srv.CDNName)
	srv.ProxyName = getEnv("EDGE_PROXY_NAME", srv.CDNName)
	srv.ServedBy = getEnv("EDGE_SERVED_BY", srv.CDNName)
	srv.StrictDomains = getEnvBool("EDGE_STRICT_DOMAINS", srv.StrictDomains)
	srv.SecurityHeaders = getEnvBool("EDGE_SECURITY_HEADERS", srv.SecurityHeaders)
	srv.ContentSecurityPolicy = getEnv("EDGE_CSP", srv.ContentSecurityPolicy)
	srv.ShutdownGrace = getEnvDuration("EDGE_SHUTDOWN_GRACE", srv.ShutdownGrace)
	srv.LogLevel = getEnv("EDGE_LOG_LEVEL", srv.LogLevel)
	srv.LogFormat = getEnv("EDGE_LOG_FORMAT", srv.LogFormat)

	s.envRules = s.RouteRules
	s.RulesFile = getEnv("EDGE_RULES_FILE", "")
	if s.RulesFile != "" {
		rules, err := LoadRulesFile(s.RulesFile)
		if err != nil {
			return nil, err
		}
		// File rules are appended after env rules so env-defined rules win.
		s.RouteRules = append(append([]RouteRule{}, s.RouteRules...), rules...)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

// decodeJSONEnv parses a JSON-valued env var into dst, leaving dst at its
// defaults with a warning when the value does not parse.
func decodeJSONEnv(key string, dst any) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		logging.Warn("unparseable JSON env var, keeping defaults",
			zap.String("var", key), zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		logging.Warn("invalid boolean env var, keeping default",
			zap.String("var", key), zap.String("value", value))
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		logging.Warn("invalid integer env var, keeping default",
			zap.String("var", key), zap.String("value", value))
		return fallback
	}
	return parsed
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		logging.Warn("invalid integer env var, keeping default",
			zap.String("var", key), zap.String("value", value))
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go duration syntax ("30s", "5m") or a bare
// number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	logging.Warn("invalid duration env var, keeping default",
		zap.String("var", key), zap.String("value", value))
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvIntList(key string, fallback []int) []int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			logging.Warn("invalid integer list env var, keeping default",
				zap.String("var", key), zap.String("value", value))
			return fallback
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
