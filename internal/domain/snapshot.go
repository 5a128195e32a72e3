// Package domain defines the core interfaces and types for Kestrel.
package domain

// KYC levels accepted at ingestion.
const (
	KYCStandard = "standard"
	KYCEnhanced = "enhanced"
)

// DefaultBucketSizeSeconds is used when a snapshot omits its bucket size.
const DefaultBucketSizeSeconds int64 = 86400

// Entity is an account holder participating in transfers.
type Entity struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Bank               string `json:"bank"`
	JurisdictionBucket int    `json:"jurisdiction_bucket"`
	KYCLevel           string `json:"kyc_level"`
}

// Transaction is a single transfer between two entities.
// FromID and ToID may be equal; self-loops never enter graph adjacency.
type Transaction struct {
	TxID          string  `json:"tx_id"`
	FromID        string  `json:"from_id"`
	ToID          string  `json:"to_id"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	Timestamp     int64   `json:"timestamp"`
	PaymentFormat string  `json:"payment_format"`
	BucketIndex   int     `json:"bucket_index"`
}

// EntityTypeUnknown marks an id that transacts but is missing from the
// snapshot's entity list.
const EntityTypeUnknown = "unknown"

// UnknownEntity is the placeholder shown for an unresolved id.
func UnknownEntity(id string) Entity {
	return Entity{ID: id, Type: EntityTypeUnknown, Bank: EntityTypeUnknown}
}

// IsSelfLoop reports whether the transaction moves funds to its own sender.
func (t Transaction) IsSelfLoop() bool {
	return t.FromID == t.ToID
}

// SnapshotMetadata describes the bucketing of a snapshot.
// A nil T0 means the key was absent; zero is a valid epoch origin.
type SnapshotMetadata struct {
	BucketSizeSeconds int64  `json:"bucket_size_seconds"`
	T0                *int64 `json:"t0,omitempty"`
	NBuckets          int    `json:"n_buckets"`
}

// Snapshot is the ingestion shape: entities, transactions and an optional
// precomputed bucket index keyed by the decimal bucket number.
type Snapshot struct {
	Metadata     SnapshotMetadata `json:"metadata"`
	Entities     []Entity         `json:"entities"`
	Transactions []Transaction    `json:"transactions"`
	BucketIndex  map[string][]int `json:"bucket_index,omitempty"`
}

// Activity aggregates one entity's flows within a bucket.
type Activity struct {
	InCount  int     `json:"in_count"`
	OutCount int     `json:"out_count"`
	InSum    float64 `json:"in_sum"`
	OutSum   float64 `json:"out_sum"`
}
