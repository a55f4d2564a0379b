package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/logging"
	"github.com/edgeproxy/edgeproxy/internal/metrics"
	"go.uber.org/zap"
)

// adminHandler builds the management API mux. The admin listener binds
// loopback by default and none of these endpoints authenticate.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)

	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/api/cache", s.handleCachePurge)
	mux.HandleFunc("/api/cache/stats", s.handleCacheStats)
	mux.HandleFunc("/api/url-cache", s.handleURLCachePurge)
	mux.HandleFunc("/api/url-cache/stats", s.handleURLCacheStats)
	mux.HandleFunc("/api/file-cache", s.handleFileCachePurge)
	mux.HandleFunc("/api/file-cache/stats", s.handleFileCacheStats)
	mux.HandleFunc("/api/circuit-breakers", s.handleCircuitBreakers)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/file-resolution/domains/", s.handleDomainExtensions)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth reports process health. ?detailed=true adds cache,
// breaker, and routing state to the basic payload.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Load()

	body := map[string]interface{}{
		"status":     "ok",
		"timestamp":  time.Now().Format(time.RFC3339),
		"uptime":     time.Since(s.startTime).String(),
		"generation": snap.Generation,
	}

	if d := r.URL.Query().Get("detailed"); d == "true" || d == "1" {
		body["caches"] = map[string]interface{}{
			"response":        s.cache.Stats(),
			"url_transform":   s.rewriter.Stats(),
			"file_resolution": s.resolver.Stats(),
		}
		body["circuit_breakers"] = s.breakers.Snapshots()
		body["route_rules"] = len(snap.RouteRules)
		body["origin_domains"] = len(snap.OriginDomains)
	}

	writeJSON(w, http.StatusOK, body)
}

// handleCachePurge purges response-cache entries matching a glob
// pattern, optionally scoped to one origin domain.
func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}
	domain := r.URL.Query().Get("domain")

	purged, err := s.cache.Purge(pattern, domain)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	logging.Info("cache purged",
		zap.String("pattern", pattern), zap.String("domain", domain), zap.Int("purged", purged))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"purged":  purged,
		"pattern": pattern,
		"domain":  domain,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleURLCachePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": s.rewriter.Purge()})
}

func (s *Server) handleURLCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rewriter.Stats())
}

// handleFileCachePurge drops resolution cache entries, optionally only
// those for one domain.
func (s *Server) handleFileCachePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	domain := r.URL.Query().Get("domain")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"purged": s.resolver.Purge(domain),
		"domain": domain,
	})
}

func (s *Server) handleFileCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.resolver.Stats())
}

func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.Snapshots())
}

// handleConfig reports the active snapshot in a trimmed, readable form.
// Durations render as strings.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Load()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generation":     snap.Generation,
		"loaded_at":      snap.LoadedAt.Format(time.RFC3339),
		"origin_domains": snap.OriginDomains,
		"strict_domains": snap.Server.StrictDomains,
		"default_backend": map[string]interface{}{
			"host":    snap.DefaultBackend.Host,
			"use_tls": snap.DefaultBackend.UseTLS,
		},
		"route_rules": len(snap.RouteRules),
		"rules_file":  snap.RulesFile,
		"cache": map[string]interface{}{
			"default_ttl":           snap.Cache.DefaultTTL.String(),
			"max_ttl":               snap.Cache.MaxTTL.String(),
			"max_items":             snap.Cache.MaxItems,
			"respect_cache_control": snap.Cache.RespectCacheControl,
			"cache_cookies":         snap.Cache.CacheCookies,
		},
		"file_resolution": map[string]interface{}{
			"enabled":          snap.FileResolution.Enabled,
			"extensions":       snap.FileResolution.Extensions,
			"timeout":          snap.FileResolution.Timeout.String(),
			"max_concurrent":   snap.FileResolution.MaxConcurrent,
			"domain_overrides": len(snap.FileResolution.DomainOverrides),
		},
		"url_transform": map[string]interface{}{
			"enabled": snap.URLTransform.Enabled,
			"html":    snap.URLTransform.HTML,
			"js":      snap.URLTransform.JS,
			"css":     snap.URLTransform.CSS,
		},
		"transformers": map[string]interface{}{
			"enabled":  snap.Transformers.Enabled,
			"markdown": snap.Transformers.Markdown,
			"csv":      snap.Transformers.CSV,
			"json":     snap.Transformers.JSON,
			"xml":      snap.Transformers.XML,
			"text":     snap.Transformers.Text,
			"html":     snap.Transformers.HTML,
		},
	})
}

// handleDomainExtensions manages per-domain probe extension overrides.
// PUT replaces the override, DELETE removes it; both swap a new
// snapshot into the store.
func (s *Server) handleDomainExtensions(w http.ResponseWriter, r *http.Request) {
	domain := strings.TrimPrefix(r.URL.Path, "/api/file-resolution/domains/")
	if domain == "" || strings.Contains(domain, "/") {
		http.Error(w, "usage: PUT|DELETE /api/file-resolution/domains/{domain}", http.StatusBadRequest)
		return
	}
	domain = strings.ToLower(domain)

	switch r.Method {
	case http.MethodPut:
		var body struct {
			Extensions []string `json:"extensions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
			return
		}
		exts := cleanExtensions(body.Extensions)
		if len(exts) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "extensions must be a non-empty array"})
			return
		}
		next := s.store.Load().WithDomainExtensions(domain, exts)
		s.store.Swap(next)
		logging.Info("file resolution override set",
			zap.String("domain", domain), zap.Strings("extensions", exts),
			zap.Int64("generation", next.Generation))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"domain":     domain,
			"extensions": exts,
			"generation": next.Generation,
		})

	case http.MethodDelete:
		next := s.store.Load().WithDomainExtensions(domain, nil)
		s.store.Swap(next)
		logging.Info("file resolution override removed",
			zap.String("domain", domain), zap.Int64("generation", next.Generation))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"domain":     domain,
			"generation": next.Generation,
		})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// cleanExtensions lowercases and de-dots probe extensions, dropping
// empties. "MD" and ".md" both mean md.
func cleanExtensions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimSpace(e))
		e = strings.TrimPrefix(e, ".")
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}
