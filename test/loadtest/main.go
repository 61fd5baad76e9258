// Package main implements a load test harness for the custody transfer API.
// It fires concurrent POST /v1/transfers requests at a running custodyd,
// measuring submission throughput, latency percentiles, and error rate.
//
// Usage:
//
//	go run ./test/loadtest \
//	  -base-url "http://localhost:8080" \
//	  -account-id "6f1c7a3e-0000-0000-0000-000000000001" \
//	  -to "0x2222222222222222222222222222222222222222" \
//	  -amount-wei 1000000000000000 \
//	  -concurrency 4 \
//	  -duration 30s
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

type sendRequest struct {
	AccountID string `json:"account_id"`
	To        string `json:"to"`
	AmountWei string `json:"amount_wei"`
}

type sendResponse struct {
	TxHash string `json:"tx_hash"`
	Status string `json:"status"`
}

func main() {
	var (
		baseURL     = flag.String("base-url", "http://localhost:8080", "custodyd base URL")
		accountID   = flag.String("account-id", "", "Custodial account UUID to send from (required)")
		to          = flag.String("to", "0x2222222222222222222222222222222222222222", "Recipient address")
		amountWei   = flag.String("amount-wei", "1000000000000000", "Transfer amount in wei")
		concurrency = flag.Int("concurrency", 4, "Number of parallel submitters")
		duration    = flag.Duration("duration", 30*time.Second, "Test duration")
		rps         = flag.Float64("rps", 0, "Per-worker request pacing (0 = as fast as possible)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *accountID == "" {
		logger.Error("-account-id is required")
		os.Exit(1)
	}

	logger.Info("load test configuration",
		"base_url", *baseURL,
		"account_id", *accountID,
		"to", *to,
		"amount_wei", *amountWei,
		"concurrency", *concurrency,
		"duration", *duration,
	)

	ctx, cancel := context.WithTimeout(context.Background(), *duration+10*time.Second)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		accepted    atomic.Int64
		rejected    atomic.Int64
		throttled   atomic.Int64
		failed      atomic.Int64
		latenciesMu sync.Mutex
		latenciesNs []int64
	)

	recordLatency := func(d time.Duration) {
		latenciesMu.Lock()
		latenciesNs = append(latenciesNs, d.Nanoseconds())
		latenciesMu.Unlock()
	}

	client := &http.Client{Timeout: 30 * time.Second}
	endpoint := *baseURL + "/v1/transfers"
	body, err := json.Marshal(sendRequest{AccountID: *accountID, To: *to, AmountWei: *amountWei})
	if err != nil {
		logger.Error("marshal request", "error", err)
		os.Exit(1)
	}

	worker := func(workerID int) {
		var pace *time.Ticker
		if *rps > 0 {
			pace = time.NewTicker(time.Duration(float64(time.Second) / *rps))
			defer pace.Stop()
		}

		deadline := time.Now().Add(*duration)
		for time.Now().Before(deadline) {
			if ctx.Err() != nil {
				return
			}
			if pace != nil {
				select {
				case <-pace.C:
				case <-ctx.Done():
					return
				}
			}

			start := time.Now()
			status, err := submit(ctx, client, endpoint, body)
			recordLatency(time.Since(start))

			switch {
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				failed.Add(1)
				logger.Warn("request failed", "worker", workerID, "error", err)
			case status == http.StatusCreated:
				accepted.Add(1)
			case status == http.StatusTooManyRequests:
				throttled.Add(1)
			default:
				rejected.Add(1)
			}
		}
	}

	logger.Info("starting load test", "workers", *concurrency, "duration", *duration)
	testStart := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			worker(id)
		}(i)
	}
	wg.Wait()

	testDuration := time.Since(testStart)

	latenciesMu.Lock()
	allLatencies := make([]int64, len(latenciesNs))
	copy(allLatencies, latenciesNs)
	latenciesMu.Unlock()
	sort.Slice(allLatencies, func(i, j int) bool { return allLatencies[i] < allLatencies[j] })

	total := int64(len(allLatencies))
	errorRate := float64(0)
	if total > 0 {
		errorRate = float64(failed.Load()) / float64(total) * 100
	}

	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("       LOAD TEST RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Duration:       %s\n", testDuration.Round(time.Millisecond))
	fmt.Printf("Workers:        %d\n", *concurrency)
	fmt.Println("----------------------------------------")
	fmt.Println("Throughput:")
	fmt.Printf("  Requests:     %d\n", total)
	fmt.Printf("  Requests/sec: %.2f\n", float64(total)/testDuration.Seconds())
	fmt.Printf("  Accepted:     %d\n", accepted.Load())
	fmt.Printf("  Rejected:     %d\n", rejected.Load())
	fmt.Printf("  Throttled:    %d\n", throttled.Load())
	fmt.Println("----------------------------------------")
	fmt.Println("Latency (per request):")
	fmt.Printf("  p50:          %s\n", formatNanos(percentile(allLatencies, 50)))
	fmt.Printf("  p95:          %s\n", formatNanos(percentile(allLatencies, 95)))
	fmt.Printf("  p99:          %s\n", formatNanos(percentile(allLatencies, 99)))
	fmt.Println("----------------------------------------")
	fmt.Println("Errors:")
	fmt.Printf("  Transport:    %d\n", failed.Load())
	fmt.Printf("  Error rate:   %.2f%%\n", errorRate)
	fmt.Println("========================================")

	if failed.Load() > 0 {
		os.Exit(1)
	}
}

// submit posts one transfer and returns the HTTP status. The response body
// is drained so the connection can be reused.
func submit(ctx context.Context, client *http.Client, endpoint string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusCreated {
		var out sendResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
		if out.TxHash == "" {
			return resp.StatusCode, fmt.Errorf("accepted response missing tx_hash")
		}
		return resp.StatusCode, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// percentile returns the value at the given percentile from a sorted slice.
func percentile(sorted []int64, pct float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(pct/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// formatNanos formats nanoseconds as a human-readable duration string.
func formatNanos(ns int64) string {
	d := time.Duration(ns)
	if d < time.Millisecond {
		return fmt.Sprintf("%.1fus", float64(d.Microseconds()))
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}
