package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	requests    int
	accountID   int64
	serverID    int64
)

// Metrics
var (
	totalRequests uint64
	created201    uint64 // New key, charged
	existing200   uint64 // Idempotent replays
	funds402      uint64 // Insufficient funds
	upstream502   uint64 // VPN API failures
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.IntVar(&requests, "requests", 20, "Requests per worker")
	flag.Int64Var(&accountID, "account", 1, "Account issuing keys")
	flag.Int64Var(&serverID, "server", 1, "Server to issue keys on")
}

// Every worker asks for a key on the same (account, server) pair. A correct
// server answers 201 at most once no matter how the requests interleave.
func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: account %d server %d | Workers: %d | Requests/worker: %d", accountID, serverID, concurrency, requests)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg)
	}

	wg.Wait()
	if !printResults(time.Since(start)) {
		os.Exit(1)
	}
}

func worker(wg *sync.WaitGroup) {
	defer wg.Done()
	client := &http.Client{Timeout: 20 * time.Second}
	url := fmt.Sprintf("%s/api/v1/accounts/%d/keys", targetURL, accountID)

	for i := 0; i < requests; i++ {
		body, _ := json.Marshal(map[string]any{
			"server_id":    serverID,
			"display_name": fmt.Sprintf("bench-%d", accountID),
		})

		req, _ := http.NewRequest("POST", url, bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&created201, 1)
		case http.StatusOK:
			atomic.AddUint64(&existing200, 1)
		case http.StatusPaymentRequired:
			atomic.AddUint64(&funds402, 1)
		case http.StatusBadGateway:
			atomic.AddUint64(&upstream502, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func printResults(d time.Duration) bool {
	total := atomic.LoadUint64(&totalRequests)
	c201 := atomic.LoadUint64(&created201)

	results := map[string]any{
		"account_id":     accountID,
		"server_id":      serverID,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_rps": float64(total) / d.Seconds(),
		"created":        c201,
		"existing":       atomic.LoadUint64(&existing200),
		"insufficient":   atomic.LoadUint64(&funds402),
		"upstream_error": atomic.LoadUint64(&upstream502),
		"errors":         atomic.LoadUint64(&failOther),
		"double_issued":  c201 > 1,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)

	if c201 > 1 {
		log.Printf("FAIL: %d keys created for one pair", c201)
		return false
	}
	return true
}
