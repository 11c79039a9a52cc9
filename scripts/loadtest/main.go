package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"
)

// CLI flags
var (
	apiURL   = flag.String("api-url", "http://localhost:8080", "cardrender API base URL")
	apiKey   = flag.String("api-key", "", "API key for authenticated requests")
	requests = flag.Int("requests", 40, "Requests per concurrency level")
	levels   = flag.String("concurrency", "1,2,4,8", "Comma-separated concurrency levels")
	output   = flag.String("output", "loadtest-results.json", "JSON output file path")
)

// --- Request / Response types (mirrors models package) ---

type rankCardRequest struct {
	Username   string `json:"username"`
	HexColor   string `json:"hex_color"`
	WeeklyXP   int64  `json:"weekly_xp"`
	AllTimeXP  int64  `json:"all_time_xp"`
	WeeklyRank int    `json:"weekly_rank"`
	CurrentXP  int64  `json:"current_xp"`
	NextXP     int64  `json:"next_xp"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Backend struct {
		HandleID    string `json:"handle_id"`
		Epoch       uint64 `json:"epoch"`
		RenderCount int64  `json:"render_count"`
		Recycles    int64  `json:"recycles"`
	} `json:"backend"`
}

// --- Load test result types ---

type levelResult struct {
	Concurrency int            `json:"concurrency"`
	Requests    int            `json:"requests"`
	Succeeded   int            `json:"succeeded"`
	StatusCodes map[int]int    `json:"status_codes"`
	Errors      map[string]int `json:"errors,omitempty"`
	P50Ms       int64          `json:"p50_ms"`
	P95Ms       int64          `json:"p95_ms"`
	MaxMs       int64          `json:"max_ms"`
	Throughput  float64        `json:"throughput_rps"`
	EpochBefore uint64         `json:"epoch_before"`
	EpochAfter  uint64         `json:"epoch_after"`
}

type loadReport struct {
	Timestamp string        `json:"timestamp"`
	APIURL    string        `json:"api_url"`
	Results   []levelResult `json:"results"`
}

type sample struct {
	latency time.Duration
	status  int
	err     string
}

func main() {
	flag.Parse()

	conc, err := parseLevels(*levels)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== cardrender Load Test ===")
	fmt.Printf("API URL:      %s\n", *apiURL)
	fmt.Printf("Requests:     %d per level\n", *requests)
	fmt.Printf("Concurrency:  %v\n", conc)
	fmt.Printf("Output:       %s\n", *output)
	fmt.Println()

	if _, err := health(*apiURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach API at %s: %v\n", *apiURL, err)
		fmt.Fprintf(os.Stderr, "Make sure cardrender is running (e.g. go run ./cmd/cardrender)\n")
		os.Exit(1)
	}

	report := loadReport{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		APIURL:    *apiURL,
	}

	client := &http.Client{Timeout: 60 * time.Second}
	for _, c := range conc {
		fmt.Printf("Concurrency %d ... ", c)
		lr := runLevel(client, c, *requests)
		fmt.Printf("%d/%d OK  p95 %dms\n", lr.Succeeded, lr.Requests, lr.P95Ms)
		report.Results = append(report.Results, lr)
	}
	fmt.Println()

	printTable(report.Results)

	if err := writeJSON(*output, report); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing JSON output: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nDetailed results written to %s\n", *output)
}

func parseLevels(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &n); err != nil || n < 1 {
			return nil, fmt.Errorf("invalid concurrency level %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func health(baseURL string) (*healthResponse, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(baseURL + "/api/v1/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}

func runLevel(client *http.Client, concurrency, total int) levelResult {
	lr := levelResult{
		Concurrency: concurrency,
		Requests:    total,
		StatusCodes: map[int]int{},
		Errors:      map[string]int{},
	}
	if h, err := health(*apiURL); err == nil {
		lr.EpochBefore = h.Backend.Epoch
	}

	jobs := make(chan int)
	samples := make([]sample, total)
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				samples[i] = renderOnce(client, concurrency, i)
			}
		}()
	}
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	elapsed := time.Since(start)

	var latencies []time.Duration
	for _, s := range samples {
		if s.err != "" {
			lr.Errors[s.err]++
			continue
		}
		lr.StatusCodes[s.status]++
		if s.status == http.StatusOK {
			lr.Succeeded++
			latencies = append(latencies, s.latency)
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	lr.P50Ms = percentile(latencies, 0.50).Milliseconds()
	lr.P95Ms = percentile(latencies, 0.95).Milliseconds()
	if n := len(latencies); n > 0 {
		lr.MaxMs = latencies[n-1].Milliseconds()
	}
	lr.Throughput = float64(lr.Succeeded) / elapsed.Seconds()

	if h, err := health(*apiURL); err == nil {
		lr.EpochAfter = h.Backend.Epoch
	}
	return lr
}

func renderOnce(client *http.Client, level, i int) sample {
	// Unique usernames keep the image cache out of the measurement.
	body, err := json.Marshal(rankCardRequest{
		Username:   fmt.Sprintf("load-%d-%d-%d", level, i, time.Now().UnixNano()),
		HexColor:   "#5865F2",
		WeeklyXP:   int64(i * 137),
		AllTimeXP:  int64(i * 1_337),
		WeeklyRank: i + 1,
		CurrentXP:  int64(i % 100),
		NextXP:     100,
	})
	if err != nil {
		return sample{err: "marshal"}
	}

	req, err := http.NewRequest(http.MethodPost, *apiURL+"/api/v1/render", bytes.NewReader(body))
	if err != nil {
		return sample{err: "request"}
	}
	req.Header.Set("Content-Type", "application/json")
	if *apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+*apiKey)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return sample{err: "transport"}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return sample{latency: time.Since(start), status: resp.StatusCode}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printTable(results []levelResult) {
	fmt.Println(strings.Repeat("─", 85))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Concurrency\tOK\tp50\tp95\tMax\tReq/s\tEpoch\n")
	fmt.Fprintf(w, "───────────\t──\t───\t───\t───\t─────\t─────\n")

	for _, r := range results {
		fmt.Fprintf(w, "%d\t%d/%d\t%dms\t%dms\t%dms\t%.2f\t%d→%d\n",
			r.Concurrency,
			r.Succeeded, r.Requests,
			r.P50Ms, r.P95Ms, r.MaxMs,
			r.Throughput,
			r.EpochBefore, r.EpochAfter,
		)
	}

	w.Flush()
	fmt.Println(strings.Repeat("─", 85))
}

func writeJSON(path string, report loadReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
