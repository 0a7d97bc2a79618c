//go:build ignore

// Mock upstream service for local gateway runs: register its address as a
// service record, point the gateway at it, and every brokered request comes
// back as JSON showing what actually arrived (path, query, and the injected
// x-request-id / x-service-name / x-api-version / Authorization headers).
// Run with: go run scripts/mock-upstream.go -port 9001 -name user
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

func main() {
	port := flag.Int("port", 9001, "Port to listen on")
	name := flag.String("name", "user", "Service slug to report")
	flag.Parse()

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"service": *name,
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// The mirror health route lands on /health under any prefix.
		if strings.HasSuffix(r.URL.Path, "/health") {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":  "ok",
				"service": *name,
			})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":     *name,
			"path":        r.URL.Path,
			"method":      r.Method,
			"query":       r.URL.RawQuery,
			"host":        r.Host,
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().Format(time.RFC3339),
			"request_id":  r.Header.Get("X-Request-Id"),
			"caller":      r.Header.Get("X-Service-Name"),
			"api_version": r.Header.Get("X-Api-Version"),
			"has_token":   strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "),
			"headers":     headerMap(r.Header),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("mock upstream %q listening on %s", *name, addr)
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
