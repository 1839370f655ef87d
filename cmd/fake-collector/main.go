// fake-collector is a test double for the remote collector. It verifies
// batch signatures, optionally fails the first N requests, and can accept
// only a prefix of each batch to exercise partial-acceptance handling.
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
	"strconv"
	"strings"
	"time"
)

const (
	sigHeader = "X-Beaconq-Signature"
	tsHeader  = "X-Beaconq-Timestamp"
)

var (
	failFirstN   = 0
	acceptPrefix = -1 // -1 accepts whole batches
	reqCount     = 0
	secret       = ""
	maxSkew      = 5 * time.Minute
	delay        time.Duration
)

type envelope struct {
	Version string `json:"version"`
	BatchID string `json:"batch_id"`
	Events  []struct {
		ID uint64 `json:"id"`
	} `json:"events"`
}

func main() {
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	if v := os.Getenv("ACCEPT_PREFIX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			acceptPrefix = n
		}
	}
	if v := os.Getenv("COLLECTOR_SECRET"); v != "" {
		secret = v
	}
	if v := os.Getenv("SIGNING_LEEWAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxSkew = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("RESPONSE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			delay = time.Duration(n) * time.Millisecond
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/v1/batch", handleBatch)

	addr := os.Getenv("FAKE_COLLECTOR_PORT")
	if addr == "" {
		addr = ":8081"
	}
	log.Printf("fake-collector listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func handleBatch(w http.ResponseWriter, r *http.Request) {
	reqCount++
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if delay > 0 {
		time.Sleep(delay)
	}

	if secret != "" {
		if ok, msg := verifySignature(secret, b, r.Header.Get(tsHeader), r.Header.Get(sigHeader), maxSkew); !ok {
			log.Printf("fake-collector signature rejected: %s", msg)
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		http.Error(w, "bad envelope", http.StatusBadRequest)
		return
	}

	// Simulate flakiness: first N requests -> 500
	if reqCount <= failFirstN {
		log.Printf("FAILING (%d/%d) batch=%s events=%d", reqCount, failFirstN, env.BatchID, len(env.Events))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	accepted := len(env.Events)
	if acceptPrefix >= 0 && acceptPrefix < accepted {
		accepted = acceptPrefix
	}

	log.Printf("fake-collector OK batch=%s events=%d accepted=%d", env.BatchID, len(env.Events), accepted)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"accepted":%d}`, accepted)
}

func verifySignature(secret string, body []byte, ts, sigHeaderVal string, leeway time.Duration) (bool, string) {
	if ts == "" || sigHeaderVal == "" {
		return false, "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	now := time.Now().Unix()
	if abs64(now-unix) > int64(leeway.Seconds()) {
		return false, "timestamp too far from now (outside leeway)"
	}
	got := strings.TrimPrefix(sigHeaderVal, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return false, "sig mismatch"
	}
	return true, ""
}

// abs64 returns the absolute value of an int64
func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
