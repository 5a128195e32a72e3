// Benchmark tool for scoring an IBM AML transactions export with Kestrel.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/HI-Small_Trans.csv -threshold 0.5
//
// This tool:
//  1. Reads the raw AML export (with laundering labels)
//  2. Builds a bucketed snapshot and precomputes risk in-process
//  3. Flags every entity whose peak bucket risk reaches the threshold
//  4. Compares flags with entities touching laundering transactions
package main

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/snapshot"
)

const nJurisdictions = 8

// Column positions in the raw export; the header repeats "Account".
const (
	colTimestamp = 0
	colFromBank  = 1
	colFromAcct  = 2
	colToBank    = 3
	colToAcct    = 4
	colAmount    = 7
	colCurrency  = 8
	colFormat    = 9
	colLabel     = 10
)

var timestampLayouts = []string{"2006/01/02 15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"}

// Dataset is a parsed export plus its ground truth.
type Dataset struct {
	Snapshot *domain.Snapshot

	// Laundering holds entities on either side of a labelled transaction
	Laundering map[string]struct{}
	Skipped    int
}

// Metrics tracks benchmark results at entity granularity.
type Metrics struct {
	TruePositives  int64 // Laundering entity flagged
	FalsePositives int64 // Clean entity flagged
	TrueNegatives  int64 // Clean entity not flagged
	FalseNegatives int64 // Laundering entity missed

	TotalEntities   int64
	TotalLaundering int64
	TotalClean      int64

	Transactions int64
	Buckets      int
	Precompute   time.Duration
}

func main() {
	csvPath := flag.String("csv", "", "Path to IBM AML transactions CSV")
	limit := flag.Int("limit", 100000, "Maximum transactions to read (0 = all)")
	bucketSize := flag.Int64("bucket-size", domain.DefaultBucketSizeSeconds, "Bucket size in seconds")
	workers := flag.Int("workers", 8, "Concurrent bucket workers for precompute")
	threshold := flag.Float64("threshold", 0.5, "Risk score at which an entity is flagged")
	seed := flag.Int("seed", 42, "Seed for jurisdiction assignment")
	out := flag.String("out", "", "Write the built snapshot as JSON to this path")
	verbose := flag.Bool("verbose", false, "Print every flagged entity")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/transactions.csv [-threshold 0.5]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("==================================================================")
	fmt.Println("          KESTREL BENCHMARK - AML transaction graph")
	fmt.Println("==================================================================")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Bucket Size: %ds\n", *bucketSize)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Threshold:   %.2f\n", *threshold)
	fmt.Println()

	fmt.Printf("Reading transactions from %s...\n", *csvPath)
	ds, err := readAMLCSV(*csvPath, *limit, *seed)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	ds.Snapshot.Metadata.BucketSizeSeconds = *bucketSize
	fmt.Printf("  loaded %s transactions across %s entities (%d skipped)\n",
		humanize.Comma(int64(len(ds.Snapshot.Transactions))),
		humanize.Comma(int64(len(ds.Snapshot.Entities))),
		ds.Skipped,
	)

	if *out != "" {
		if err := writeSnapshot(*out, ds.Snapshot); err != nil {
			fmt.Printf("ERROR: Failed to write snapshot: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("  wrote snapshot to %s\n", *out)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := snapshot.New(snapshot.WithLogger(logger))
	if err := store.Load(ds.Snapshot); err != nil {
		fmt.Printf("ERROR: Snapshot rejected: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nPrecomputing %d buckets with %d workers...\n", store.NBuckets(), *workers)
	start := time.Now()
	if err := store.Precompute(context.Background(), *workers); err != nil {
		fmt.Printf("ERROR: Precompute failed: %v\n", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	m := evaluate(store, ds, *threshold, *verbose)
	m.Transactions = int64(store.TransactionCount())
	m.Buckets = store.NBuckets()
	m.Precompute = elapsed

	printResults(m)
}

func readAMLCSV(path string, limit, seed int) (*Dataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	ds := &Dataset{
		Snapshot:   &domain.Snapshot{},
		Laundering: make(map[string]struct{}),
	}
	txCounts := make(map[string]int)
	var order []string

	for row := 0; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil || len(record) <= colLabel {
			ds.Skipped++
			continue
		}

		tx, laundering, ok := parseRow(row, record)
		if !ok {
			ds.Skipped++
			continue
		}

		for _, id := range []string{tx.FromID, tx.ToID} {
			if _, seen := txCounts[id]; !seen {
				order = append(order, id)
			}
			txCounts[id]++
			if laundering {
				ds.Laundering[id] = struct{}{}
			}
		}
		ds.Snapshot.Transactions = append(ds.Snapshot.Transactions, tx)

		if limit > 0 && len(ds.Snapshot.Transactions) >= limit {
			break
		}
	}

	ds.Snapshot.Entities = buildEntities(order, txCounts, seed)
	return ds, nil
}

func parseRow(row int, record []string) (domain.Transaction, bool, bool) {
	field := func(i int) string { return strings.TrimSpace(record[i]) }

	for _, i := range []int{colTimestamp, colFromBank, colFromAcct, colToBank, colToAcct, colAmount} {
		if field(i) == "" {
			return domain.Transaction{}, false, false
		}
	}

	ts, ok := parseTimestamp(field(colTimestamp))
	if !ok {
		return domain.Transaction{}, false, false
	}
	amount, err := strconv.ParseFloat(field(colAmount), 64)
	if err != nil || amount < 0 {
		return domain.Transaction{}, false, false
	}

	currency := field(colCurrency)
	if currency == "" {
		currency = "USD"
	}
	label, err := strconv.ParseFloat(field(colLabel), 64)
	laundering := err == nil && int(label) == 1

	return domain.Transaction{
		TxID:          fmt.Sprintf("tx_%06d", row),
		FromID:        entityID(field(colFromBank), field(colFromAcct)),
		ToID:          entityID(field(colToBank), field(colToAcct)),
		Amount:        amount,
		Currency:      currency,
		Timestamp:     ts,
		PaymentFormat: field(colFormat),
	}, laundering, true
}

func parseTimestamp(s string) (int64, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Unix(), true
		}
	}
	return 0, false
}

func entityID(bank, account string) string {
	return bank + "_" + account
}

// buildEntities assigns each participant a hashed jurisdiction and marks
// the busiest decile for enhanced KYC.
func buildEntities(ids []string, txCounts map[string]int, seed int) []domain.Entity {
	counts := make([]int, 0, len(txCounts))
	for _, c := range txCounts {
		counts = append(counts, c)
	}
	slices.Sort(counts)
	p90 := 0
	if len(counts) > 0 {
		p90 = counts[min(len(counts)*9/10, len(counts)-1)]
	}

	entities := make([]domain.Entity, 0, len(ids))
	for _, id := range ids {
		bank, _, _ := strings.Cut(id, "_")
		kyc := domain.KYCStandard
		if txCounts[id] >= p90 {
			kyc = domain.KYCEnhanced
		}
		entities = append(entities, domain.Entity{
			ID:                 id,
			Type:               "account",
			Bank:               bank,
			JurisdictionBucket: jurisdiction(id, seed),
			KYCLevel:           kyc,
		})
	}
	return entities
}

func jurisdiction(id string, seed int) int {
	sum := sha256.Sum256([]byte(strconv.Itoa(seed) + ":" + id))
	return int(binary.BigEndian.Uint64(sum[24:]) % nJurisdictions)
}

func writeSnapshot(path string, snap *domain.Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(snap)
}

// evaluate flags an entity when its highest score over all buckets
// reaches threshold.
func evaluate(store *snapshot.Store, ds *Dataset, threshold float64, verbose bool) *Metrics {
	m := &Metrics{}
	for _, e := range store.Entities() {
		peak, peakBucket := 0.0, -1
		for b := range store.NBuckets() {
			rec := store.EntityRisk(b, e.ID)
			if rec.RiskScore > peak {
				peak, peakBucket = rec.RiskScore, b
			}
		}

		predicted := peak >= threshold
		_, actual := ds.Laundering[e.ID]

		m.TotalEntities++
		if actual {
			m.TotalLaundering++
		} else {
			m.TotalClean++
		}

		switch {
		case predicted && actual:
			m.TruePositives++
		case predicted && !actual:
			m.FalsePositives++
		case !predicted && !actual:
			m.TrueNegatives++
		default:
			m.FalseNegatives++
		}

		if verbose && predicted {
			status := "ok"
			if !actual {
				status = "FP"
			}
			rec := store.EntityRisk(peakBucket, e.ID)
			fmt.Printf("%-3s %-24s | t=%-4d | risk %.3f | %s\n",
				status, e.ID, peakBucket, peak, strings.Join(rec.Evidence.Detectors(), ","))
		}
	}
	return m
}

func printResults(m *Metrics) {
	fmt.Println("\n==================================================================")
	fmt.Println("                        BENCHMARK RESULTS")
	fmt.Println("==================================================================")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Transactions:     %s\n", humanize.Comma(m.Transactions))
	fmt.Printf("   Buckets:          %d\n", m.Buckets)
	fmt.Printf("   Entities:         %s\n", humanize.Comma(m.TotalEntities))
	fmt.Printf("   Laundering:       %s\n", humanize.Comma(m.TotalLaundering))
	fmt.Printf("   Clean:            %s\n", humanize.Comma(m.TotalClean))

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  FLAGGED     CLEAR")
	fmt.Printf("   Actual  L  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("           C  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

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

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged entities, how many laundered)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of laundering entities, how many were flagged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Precompute:       %v\n", m.Precompute.Round(time.Millisecond))
	if m.Precompute > 0 {
		tps := float64(m.Transactions) / m.Precompute.Seconds()
		fmt.Printf("   Throughput:       %s tx/sec\n", humanize.Comma(int64(tps)))
	}
	fmt.Println()
}
