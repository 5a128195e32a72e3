package snapshot

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidSnapshot is wrapped by every ingestion validation failure.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// FieldError locates one problem in the ingested data.
type FieldError struct {
	Record string `json:"record"` // "entity", "transaction", "metadata" or "bucket_index"
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e FieldError) String() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s.%s: %s", e.Record, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s[%d].%s: %s", e.Record, e.Index, e.Field, e.Reason)
}

// ValidationError collects every problem found in a snapshot.
type ValidationError struct {
	Problems []FieldError `json:"problems"`
}

func (e *ValidationError) Error() string {
	const shown = 5
	parts := make([]string, 0, shown)
	for i, p := range e.Problems {
		if i == shown {
			parts = append(parts, fmt.Sprintf("and %d more", len(e.Problems)-shown))
			break
		}
		parts = append(parts, p.String())
	}
	return fmt.Sprintf("%s: %s", ErrInvalidSnapshot, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidSnapshot
}

func (e *ValidationError) add(record string, index int, field, reason string) {
	e.Problems = append(e.Problems, FieldError{Record: record, Index: index, Field: field, Reason: reason})
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// Validate checks the data contract of a snapshot before it reaches scoring.
// Transactions may reference entities that are not in the snapshot.
func Validate(snap *domain.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidSnapshot)
	}

	verr := &ValidationError{}
	if snap.Metadata.BucketSizeSeconds < 0 {
		verr.add("metadata", -1, "bucket_size_seconds", "must not be negative")
	}

	seen := make(map[string]struct{}, len(snap.Entities))
	for i, e := range snap.Entities {
		if e.ID == "" {
			verr.add("entity", i, "id", "required")
			continue
		}
		if _, dup := seen[e.ID]; dup {
			verr.add("entity", i, "id", "duplicate "+e.ID)
		}
		seen[e.ID] = struct{}{}
		if e.KYCLevel != "" && e.KYCLevel != domain.KYCStandard && e.KYCLevel != domain.KYCEnhanced {
			verr.add("entity", i, "kyc_level", "unknown level "+e.KYCLevel)
		}
	}

	for i, tx := range snap.Transactions {
		validateTransaction(verr, i, tx)
	}

	if len(snap.BucketIndex) > 0 {
		validateBucketIndex(verr, snap.BucketIndex, len(snap.Transactions))
	}

	return verr.orNil()
}

// validateBucketIndex requires a precomputed index to place every
// transaction in exactly one bucket.
func validateBucketIndex(verr *ValidationError, index map[string][]int, nTx int) {
	owner := make([]string, nTx)
	for _, key := range slices.Sorted(maps.Keys(index)) {
		for _, idx := range index[key] {
			if idx < 0 || idx >= nTx {
				verr.add("bucket_index", -1, key, fmt.Sprintf("transaction index %d out of range", idx))
				continue
			}
			if owner[idx] != "" {
				verr.add("bucket_index", -1, key, fmt.Sprintf("transaction index %d already listed in bucket %s", idx, owner[idx]))
				continue
			}
			owner[idx] = key
		}
	}
	for i, key := range owner {
		if key == "" {
			verr.add("transaction", i, "bucket_index", "not listed in any bucket")
		}
	}
}

// ValidateTransaction checks a single transaction, e.g. before injection.
func ValidateTransaction(tx domain.Transaction) error {
	verr := &ValidationError{}
	validateTransaction(verr, -1, tx)
	return verr.orNil()
}

func validateTransaction(verr *ValidationError, i int, tx domain.Transaction) {
	if tx.TxID == "" {
		verr.add("transaction", i, "tx_id", "required")
	}
	if tx.FromID == "" {
		verr.add("transaction", i, "from_id", "required")
	}
	if tx.ToID == "" {
		verr.add("transaction", i, "to_id", "required")
	}
	if tx.Amount < 0 {
		verr.add("transaction", i, "amount", "must not be negative")
	}
}
