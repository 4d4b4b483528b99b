// Benchmark tool for replaying PaySim fraud data through Talon's payment API.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/paysim.csv -url http://localhost:8080
//
// This tool:
//  1. Reads PaySim transactions (with fraud labels)
//  2. Submits each one to POST /payments against a sandbox provider
//  3. Treats held (pending_review) and risk-rejected payments as flagged
//  4. Compares flags with the labels and reports precision, recall and latency
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaySimTransaction represents a row from the PaySim dataset
type PaySimTransaction struct {
	Step     int
	Type     string
	Amount   decimal.Decimal
	NameOrig string
	NameDest string
	IsFraud  bool
}

// PaymentRequest is the subset of Talon's POST /payments body the replay uses.
type PaymentRequest struct {
	IdempotencyKey string            `json:"idempotencyKey"`
	CustomerID     string            `json:"customerId"`
	Amount         string            `json:"amount"`
	Currency       string            `json:"currency"`
	Method         Method            `json:"method"`
	DeviceID       string            `json:"deviceId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type Method struct {
	Type   string `json:"type"`
	Brand  string `json:"brand"`
	Number string `json:"number"`
}

// PaymentResponse is the subset of the transaction result the replay reads.
type PaymentResponse struct {
	TransactionID string  `json:"transactionId"`
	Status        string  `json:"status"`
	RiskScore     float64 `json:"riskScore"`
	RiskLevel     string  `json:"riskLevel"`
	FailureKind   string  `json:"failureKind"`
}

// Flagged reports whether Talon stopped the payment on risk grounds.
func (r *PaymentResponse) Flagged() bool {
	return r.Status == "pending_review" || r.FailureKind == "fraud_rejected"
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud held or rejected
	FalsePositives int64 // Legitimate payment held or rejected
	TrueNegatives  int64 // Legitimate payment let through
	FalseNegatives int64 // Fraud let through

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalHeld      int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Talon base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	currency := flag.String("currency", "USD", "Currency for every payment")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only replay fraud transactions")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for non-fraud (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("TALON BENCHMARK - PaySim replay")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Talon URL:   %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Talon not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}
	fmt.Println("Talon is healthy")

	transactions, err := readPaySimCSV(*csvPath, *limit, *fraudOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(transactions) == 0 {
		fmt.Println("No transactions to replay")
		return
	}

	fraudCount := 0
	for _, tx := range transactions {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("Loaded %d transactions (%d fraud)\n", len(transactions), fraudCount)

	run := uuid.NewString()[:8]
	fmt.Printf("\nRunning replay %s with %d workers...\n", run, *workers)
	startTime := time.Now()
	metrics := runBenchmark(transactions, *baseURL, *tenantID, *currency, run, *workers, *verbose)
	printResults(metrics, time.Since(startTime))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readPaySimCSV(path string, limit int, fraudOnly bool, sampleRate float64) ([]PaySimTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(col)] = i
	}
	for _, col := range []string{"step", "type", "amount", "nameorig", "namedest", "isfraud"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var transactions []PaySimTransaction
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		isFraud := record[colIndex["isfraud"]] == "1"
		if fraudOnly && !isFraud {
			continue
		}
		if !isFraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		amount, err := decimal.NewFromString(record[colIndex["amount"]])
		if err != nil || !amount.IsPositive() {
			continue
		}
		step, _ := strconv.Atoi(record[colIndex["step"]])

		transactions = append(transactions, PaySimTransaction{
			Step:     step,
			Type:     record[colIndex["type"]],
			Amount:   amount.Round(2),
			NameOrig: record[colIndex["nameorig"]],
			NameDest: record[colIndex["namedest"]],
			IsFraud:  isFraud,
		})

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

func runBenchmark(transactions []PaySimTransaction, baseURL, tenantID, currency, run string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	type job struct {
		seq int
		tx  PaySimTransaction
	}
	work := make(chan job, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 30 * time.Second}

			for j := range work {
				tx := j.tx
				key := fmt.Sprintf("paysim-%s-%d", run, j.seq)

				start := time.Now()
				result, err := submitPayment(client, baseURL, tenantID, currency, key, tx)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.NameOrig, err)
					}
					continue
				}

				if tx.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}
				if result.Status == "pending_review" {
					atomic.AddInt64(&metrics.TotalHeld, 1)
				}

				predicted := result.Flagged()
				switch {
				case predicted && tx.IsFraud:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case tx.IsFraud:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				default:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				}

				if verbose {
					mark := "ok "
					if predicted != tx.IsFraud {
						mark = "MISS"
					}
					fmt.Printf("%s %-12s | %-8s | %14s %s | fraud=%-5v | %-15s score=%.2f\n",
						mark, tx.NameOrig, tx.Type, tx.Amount.StringFixed(2), currency,
						tx.IsFraud, result.Status, result.RiskScore,
					)
				}
			}
		}()
	}

	for i, tx := range transactions {
		work <- job{seq: i, tx: tx}
	}
	close(work)
	wg.Wait()

	return metrics
}

func submitPayment(client *http.Client, baseURL, tenantID, currency, key string, tx PaySimTransaction) (*PaymentResponse, error) {
	req := PaymentRequest{
		IdempotencyKey: key,
		CustomerID:     tx.NameOrig,
		Amount:         tx.Amount.StringFixed(2),
		Currency:       currency,
		Method:         Method{Type: "card", Brand: "visa", Number: "4111111111111111"},
		DeviceID:       "paysim-" + tx.NameOrig,
		Metadata: map[string]string{
			"paysim_type": tx.Type,
			"paysim_step": strconv.Itoa(tx.Step),
			"payee":       tx.NameDest,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result PaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Held for Review:  %d\n", m.TotalHeld)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                     flagged     passed")
	fmt.Printf("   fraud         %10d %10d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("   legitimate    %10d %10d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}
	accuracy := ratio(m.TruePositives+m.TrueNegatives, m.TruePositives+m.TrueNegatives+m.FalsePositives+m.FalseNegatives)

	fmt.Printf("\nDETECTION\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(m.ProcessingTimeMs)/float64(m.TotalProcessed))
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
