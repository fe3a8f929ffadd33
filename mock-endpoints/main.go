package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

var (
	requestCount atomic.Int64
	flakyCount   atomic.Int64

	secret         = os.Getenv("WEBHOOK_SECRET")
	previousSecret = os.Getenv("WEBHOOK_PREVIOUS_SECRET")
)

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}

	// Successful endpoint: always returns 200
	http.HandleFunc("/webhook/success", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		logRequest(r, count, 200)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "received"})
	})

	// Slow endpoint: delays 3 seconds before responding
	http.HandleFunc("/webhook/slow", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		time.Sleep(3 * time.Second)
		logRequest(r, count, 200)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "received (slow)"})
	})

	// Failing endpoint: always returns 500
	http.HandleFunc("/webhook/fail", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		logRequest(r, count, 500)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
	})

	// Flaky endpoint: fails twice, then succeeds (exercises retries)
	http.HandleFunc("/webhook/flaky", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		w.Header().Set("Content-Type", "application/json")

		if flakyCount.Add(1)%3 != 0 {
			logRequest(r, count, 503)
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"error": "try again"})
			return
		}
		logRequest(r, count, 200)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "received (third time lucky)"})
	})

	// Verifying endpoint: checks the HMAC signature before accepting.
	// Set WEBHOOK_SECRET (and optionally WEBHOOK_PREVIOUS_SECRET during a
	// rotation window) to the value returned at registration.
	http.HandleFunc("/webhook/verify", func(w http.ResponseWriter, r *http.Request) {
		count := requestCount.Add(1)
		w.Header().Set("Content-Type", "application/json")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			logRequest(r, count, 400)
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "unreadable body"})
			return
		}

		if !verifySignature(r.Header.Get("X-Timestamp"), body, r.Header.Get("X-Signature")) {
			logRequest(r, count, 401)
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "bad signature"})
			return
		}

		logRequest(r, count, 200)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "verified"})
	})

	// Stats endpoint: shows request count
	http.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"total_requests": requestCount.Load()})
	})

	log.Printf("Mock endpoint server starting on :%s", port)
	log.Printf("  POST /webhook/success  -> 200 OK")
	log.Printf("  POST /webhook/slow     -> 200 OK (3s delay)")
	log.Printf("  POST /webhook/fail     -> 500 Error")
	log.Printf("  POST /webhook/flaky    -> 503, 503, 200, ...")
	log.Printf("  POST /webhook/verify   -> 200 if HMAC checks out, else 401")
	log.Printf("  GET  /stats            -> request count")

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// verifySignature recomputes HMAC-SHA256 over "<timestamp>.<body>" and
// accepts a match against the current secret or, during rotation, the
// previous one.
func verifySignature(timestamp string, body []byte, header string) bool {
	if secret == "" {
		// No secret configured: accept everything but say so in the log.
		log.Printf("WEBHOOK_SECRET not set, skipping verification")
		return true
	}
	for _, s := range []string{secret, previousSecret} {
		if s == "" {
			continue
		}
		mac := hmac.New(sha256.New, []byte(s))
		mac.Write([]byte(timestamp + "."))
		mac.Write(body)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(header), []byte(want)) {
			return true
		}
	}
	return false
}

func logRequest(r *http.Request, count int64, status int) {
	fmt.Printf("[#%d] %s %s -> %d | sig=%s event=%s delivery=%s ts=%s\n",
		count,
		r.Method,
		r.URL.Path,
		status,
		truncate(r.Header.Get("X-Signature"), 16),
		r.Header.Get("X-Event"),
		truncate(r.Header.Get("X-Delivery"), 12),
		r.Header.Get("X-Timestamp"),
	)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
