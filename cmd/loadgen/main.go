// Load generator for testing Merlin against labeled booking data.
//
// Usage:
//   go run cmd/loadgen/main.go -csv /path/to/bookings.csv -url http://localhost:8080
//
// This tool:
//  1. Reads labeled booking attempts (with fraud labels)
//  2. Sends each booking to Merlin for assessment
//  3. Compares Merlin's verdict (requiresReview) with the actual labels
//  4. Calculates precision, recall, F1-score, and confusion matrix
//
// Expected CSV columns: booking_ref, amount, days_notice, email, ip,
// account_age_days, completed_bookings, cancelled_bookings, is_fraud
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
)

// LabeledBooking represents a row from the labeled dataset.
type LabeledBooking struct {
	BookingRef string
	Amount     float64
	DaysNotice int
	Email      string
	IP         string
	AccountAge int
	Completed  int
	Cancelled  int
	IsFraud    bool
}

// EvaluateRequest is the Merlin API request format.
type EvaluateRequest struct {
	BookingRef string         `json:"bookingRef"`
	Amount     float64        `json:"amount"`
	Currency   string         `json:"currency"`
	EventDate  time.Time      `json:"eventDate"`
	Email      string         `json:"email"`
	IP         string         `json:"ip"`
	AccountAge int            `json:"accountAgeDays"`
	Completed  int            `json:"completedBookings"`
	Cancelled  int            `json:"cancelledBookings"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// EvaluateResponse is the Merlin API response format.
type EvaluateResponse struct {
	AssessmentID   string `json:"assessmentId"`
	RiskScore      int    `json:"riskScore"`
	RiskLevel      string `json:"riskLevel"`
	RequiresReview bool   `json:"requiresReview"`
	AutoBlock      bool   `json:"autoBlock"`
}

// Metrics tracks run results.
type Metrics struct {
	TruePositives  int64 // Fraud flagged for review
	FalsePositives int64 // Non-fraud flagged for review
	TrueNegatives  int64 // Non-fraud passed
	FalseNegatives int64 // Fraud passed (missed!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled bookings CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Merlin base URL")
	limit := flag.Int("limit", 10000, "Maximum bookings to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only test fraud bookings")
	verbose := flag.Bool("verbose", false, "Print each booking result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: loadgen -csv /path/to/bookings.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║       MERLIN LOADGEN - Labeled Booking Fraud Detection        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Merlin URL:  %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Println()

	// Check Merlin is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Merlin not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Merlin is running:")
		fmt.Println("  go run cmd/merlin/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Merlin is healthy")

	// Read labeled data
	fmt.Printf("\nReading labeled bookings from %s...\n", *csvPath)
	bookings, err := readBookingsCSV(*csvPath, *limit, *fraudOnly)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d bookings\n", len(bookings))

	// Count fraud vs non-fraud
	fraudCount := 0
	for _, b := range bookings {
		if b.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(bookings)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(bookings)-fraudCount, 100*float64(len(bookings)-fraudCount)/float64(len(bookings)))

	// Run
	fmt.Printf("\nRunning with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := run(bookings, *baseURL, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
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

func readBookingsCSV(path string, limit int, fraudOnly bool) ([]LabeledBooking, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(col)] = i
	}

	var bookings []LabeledBooking

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		isFraud := record[colIndex["is_fraud"]] == "1"
		if fraudOnly && !isFraud {
			continue
		}

		amount, _ := strconv.ParseFloat(record[colIndex["amount"]], 64)
		daysNotice, _ := strconv.Atoi(record[colIndex["days_notice"]])
		accountAge, _ := strconv.Atoi(record[colIndex["account_age_days"]])
		completed, _ := strconv.Atoi(record[colIndex["completed_bookings"]])
		cancelled, _ := strconv.Atoi(record[colIndex["cancelled_bookings"]])

		bookings = append(bookings, LabeledBooking{
			BookingRef: record[colIndex["booking_ref"]],
			Amount:     amount,
			DaysNotice: daysNotice,
			Email:      record[colIndex["email"]],
			IP:         record[colIndex["ip"]],
			AccountAge: accountAge,
			Completed:  completed,
			Cancelled:  cancelled,
			IsFraud:    isFraud,
		})

		if limit > 0 && len(bookings) >= limit {
			break
		}
	}

	return bookings, nil
}

func run(bookings []LabeledBooking, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan LabeledBooking, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for b := range work {
				start := time.Now()
				result, err := evaluateBooking(client, baseURL, b)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", b.BookingRef, err)
					}
					continue
				}

				// Track actual labels
				if b.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				// Confusion matrix: a review flag is a positive
				predicted := result.RequiresReview
				actual := b.IsFraud

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if (predicted && !actual) || (!predicted && actual) {
						status = "✗"
					}
					fmt.Printf("%s %-12s | Amount: $%10.2f | Notice: %3dd | Fraud: %-5v | Merlin: %-6s (%d)\n",
						status,
						b.BookingRef,
						b.Amount,
						b.DaysNotice,
						b.IsFraud,
						result.RiskLevel,
						result.RiskScore,
					)
				}
			}
		}()
	}

	// Send work
	for _, b := range bookings {
		work <- b
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func evaluateBooking(client *http.Client, baseURL string, b LabeledBooking) (*EvaluateResponse, error) {
	req := EvaluateRequest{
		BookingRef: b.BookingRef,
		Amount:     b.Amount,
		Currency:   "USD",
		EventDate:  time.Now().UTC().AddDate(0, 0, b.DaysNotice),
		Email:      b.Email,
		IP:         b.IP,
		AccountAge: b.AccountAge,
		Completed:  b.Completed,
		Cancelled:  b.Cancelled,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        RUN RESULTS                            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  REVIEW        PASS")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("          NF  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	// Calculate metrics
	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of review flags, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f bookings/sec\n", rps)
	}

	fmt.Println()
}
