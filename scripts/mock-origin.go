//go:build ignore
// +build ignore

// Mock origin server for exercising the edge proxy by hand.
// Run with: go run scripts/mock-origin.go -port 9001
//
// Point the proxy at it:
//
//	EDGE_DEFAULT_BACKEND=localhost:9001 EDGE_BACKEND_TLS=false \
//	EDGE_ORIGIN_DOMAINS=localhost go run ./cmd/edgeproxy
//
// Then try /docs/welcome (file resolution + markdown), /data/table.csv,
// /page.html (URL rewriting), /slow (timeout handling), /gzip.json.
package main

import (
	"compress/gzip"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"
)

var docs = map[string]string{
	"/docs/welcome.md": "# Welcome\n\nThis origin serves *markdown* that the edge renders to HTML.\n\n```go\nfunc main() {}\n```\n",
	"/docs/api.md":     "# API\n\n| Verb | Path |\n|------|------|\n| GET  | /data/table.csv |\n",
}

func main() {
	port := flag.Int("port", 9001, "Port to listen on")
	name := flag.String("name", "origin", "Origin name")
	flag.Parse()

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"origin": *name,
		})
	})

	// Markdown documents, reachable extensionless through file resolution.
	for path, body := range docs {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
			fmt.Fprint(w, body)
		})
	}

	mux.HandleFunc("/data/table.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		fmt.Fprint(w, "name,role\nada,engineer\ngrace,admiral\n")
	})

	mux.HandleFunc("/data/config.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"service":"demo","replicas":3,"flags":{"beta":true}}`)
	})

	// HTML and assets carrying absolute origin URLs, for watching the
	// URL rewriter at work.
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><head><link rel="stylesheet" href="http://%s/assets/site.css"></head>`+
			`<body><a href="http://%s/docs/welcome">docs</a>`+
			`<script src="http://%s/assets/app.js"></script></body></html>`,
			r.Host, r.Host, r.Host)
	})
	mux.HandleFunc("/assets/site.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		fmt.Fprintf(w, "body { background: url('http://%s/assets/bg.png'); }\n", r.Host)
	})
	mux.HandleFunc("/assets/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		fmt.Fprintf(w, "fetch(\"http://%s/data/config.json\");\n", r.Host)
	})

	// Compressed body, for the decompression stage.
	mux.HandleFunc("/gzip.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		fmt.Fprint(gz, `{"compressed":true}`)
		gz.Close()
	})

	// Slow endpoint, for timeout and breaker behavior.
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		delay := 2 * time.Second
		if d, err := time.ParseDuration(r.URL.Query().Get("delay")); err == nil {
			delay = d
		}
		time.Sleep(delay)
		fmt.Fprintf(w, "slept %s\n", delay)
	})

	// Everything else echoes the request, which makes forwarded headers
	// visible from the client side.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"origin":      *name,
			"path":        r.URL.Path,
			"method":      r.Method,
			"query":       r.URL.RawQuery,
			"host":        r.Host,
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().Format(time.RFC3339),
			"headers":     headerMap(r.Header),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock origin '%s' starting on %s", *name, addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func headerMap(h http.Header) map[string]string {
	result := make(map[string]string)
	for k, v := range h {
		if len(v) > 0 {
			result[k] = v[0]
		}
	}
	return result
}
