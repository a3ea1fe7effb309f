package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReservationStatus represents the state of a reservation
type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "PENDING"
	ReservationStatusActive    ReservationStatus = "ACTIVE"
	ReservationStatusReleased  ReservationStatus = "RELEASED"
	ReservationStatusCommitted ReservationStatus = "COMMITTED"
)

// IsTerminal reports whether no further transition is allowed.
func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationStatusReleased || s == ReservationStatusCommitted
}

// MovementKind classifies an entry of the movement log
type MovementKind string

const (
	MovementKindReserve    MovementKind = "RESERVE"
	MovementKindRelease    MovementKind = "RELEASE"
	MovementKindRestock    MovementKind = "RESTOCK"
	MovementKindBulkAdjust MovementKind = "BULK_ADJUST"
	MovementKindCommit     MovementKind = "COMMIT"
)

// Effect returns how a signed delta of this kind moves the total and reserved
// quantities.
func (k MovementKind) Effect(delta int64) (totalDelta, reservedDelta int64) {
	switch k {
	case MovementKindReserve, MovementKindRelease:
		return 0, delta
	case MovementKindRestock, MovementKindBulkAdjust:
		return delta, 0
	case MovementKindCommit:
		return delta, delta
	default:
		return 0, 0
	}
}

// Valid reports whether k is a known movement kind.
func (k MovementKind) Valid() bool {
	switch k {
	case MovementKindReserve, MovementKindRelease, MovementKindRestock, MovementKindBulkAdjust, MovementKindCommit:
		return true
	}
	return false
}

// Idempotent operation kinds recorded alongside results
const (
	OperationReserve    = "reserve"
	OperationRestock    = "restock"
	OperationBulkAdjust = "bulk_adjust"
	OperationSetTotal   = "set_total"
	OperationProvision  = "provision"
)

// Domain Models

// StockRecord is the per-product quantity record. Available quantity is
// derived and never stored.
type StockRecord struct {
	ProductID        string    `db:"product_id" json:"product_id"`
	TotalQuantity    int64     `db:"total_quantity" json:"total_quantity"`
	ReservedQuantity int64     `db:"reserved_quantity" json:"reserved_quantity"`
	Version          int64     `db:"version" json:"version"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Available returns total minus reserved.
func (s StockRecord) Available() int64 {
	return s.TotalQuantity - s.ReservedQuantity
}

// Exists reports whether the record has been persisted at least once.
func (s StockRecord) Exists() bool {
	return s.Version > 0
}

// ReservationLine is a single (product, quantity) hold inside a reservation
type ReservationLine struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// ReservationLines is stored as a JSON column
type ReservationLines []ReservationLine

// Value implements driver.Valuer
func (l ReservationLines) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (l *ReservationLines) Scan(src any) error {
	return scanJSON(src, l)
}

// Reservation is a hold against stock on behalf of one order
type Reservation struct {
	OrderID        string            `db:"order_id" json:"order_id"`
	ReservationID  uuid.UUID         `db:"reservation_id" json:"reservation_id"`
	Status         ReservationStatus `db:"status" json:"status"`
	Lines          ReservationLines  `db:"lines" json:"lines"`
	IdempotencyKey string            `db:"idempotency_key" json:"idempotency_key"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`
}

// Metadata holds free-form movement annotations such as the supplier
type Metadata map[string]string

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(src any) error {
	return scanJSON(src, m)
}

// MovementRecord is one immutable entry of the movement log
type MovementRecord struct {
	SequenceID  int64        `db:"sequence_id" json:"sequence_id"`
	ProductID   string       `db:"product_id" json:"product_id"`
	Delta       int64        `db:"delta" json:"delta"`
	Kind        MovementKind `db:"kind" json:"kind"`
	ReferenceID string       `db:"reference_id" json:"reference_id"`
	OperationID string       `db:"operation_id" json:"operation_id,omitempty"`
	Metadata    Metadata     `db:"metadata" json:"metadata,omitempty"`
	Timestamp   time.Time    `db:"created_at" json:"timestamp"`
}

// MovementFilter selects movement log entries. Zero values mean "any".
type MovementFilter struct {
	ProductID     string
	ReferenceID   string
	AfterSequence int64
	Limit         int
}

// Delta is a requested change to one StockRecord
type Delta struct {
	ProductID       string
	ReservedDelta   int64
	TotalDelta      int64
	ExpectedVersion int64
	Kind            MovementKind
	ReferenceID     string
	OperationID     string
	Metadata        Metadata
}

// Signed returns the single signed value recorded in the movement log.
func (d Delta) Signed() int64 {
	switch d.Kind {
	case MovementKindReserve, MovementKindRelease:
		return d.ReservedDelta
	default:
		return d.TotalDelta
	}
}

// Consistent reports whether the reserved/total deltas match what the kind
// would replay to.
func (d Delta) Consistent() bool {
	if !d.Kind.Valid() {
		return false
	}
	total, reserved := d.Kind.Effect(d.Signed())
	return total == d.TotalDelta && reserved == d.ReservedDelta
}

// IdempotencyEntry maps a caller key to the result it produced
type IdempotencyEntry struct {
	Key            string          `json:"key"`
	OperationKind  string          `json:"operation_kind"`
	ResultSnapshot json.RawMessage `json:"result"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Expired reports whether the entry is past its retention window at now.
func (e *IdempotencyEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// BulkOutcome is the per-item result kind of a bulk adjustment
type BulkOutcome string

const (
	BulkOutcomeApplied  BulkOutcome = "APPLIED"
	BulkOutcomeRejected BulkOutcome = "REJECTED"
)

// Rejection reasons reported by bulk adjustment
const (
	RejectReasonNegative           = "negative"
	RejectReasonBelowReserved      = "below_reserved"
	RejectReasonDuplicate          = "duplicate"
	RejectReasonInvalidProductID   = "invalid_product_id"
	RejectReasonConflict           = "conflict"
	RejectReasonStorageUnavailable = "storage_unavailable"
)

// BulkItem requests a product's total be set to NewTotal
type BulkItem struct {
	ProductID string `json:"product_id"`
	NewTotal  int64  `json:"total"`
}

// BulkItemResult reports what happened to one BulkItem
type BulkItemResult struct {
	ProductID string       `json:"product_id"`
	Outcome   BulkOutcome  `json:"outcome"`
	Reason    string       `json:"reason,omitempty"`
	Retryable bool         `json:"retryable,omitempty"`
	Record    *StockRecord `json:"record,omitempty"`
}

// BulkResult is the full accounting of a bulk adjustment
type BulkResult struct {
	IdempotencyKey string           `json:"idempotency_key"`
	Items          []BulkItemResult `json:"items"`
	Applied        int              `json:"applied"`
	Rejected       int              `json:"rejected"`
}

// HasRetryable reports whether any item was rejected for a transient reason.
func (r *BulkResult) HasRetryable() bool {
	for _, item := range r.Items {
		if item.Retryable {
			return true
		}
	}
	return false
}

// StockState is the snapshot published to the state topic
type StockState struct {
	ProductID         string    `json:"product_id"`
	TotalQuantity     int64     `json:"total_quantity"`
	ReservedQuantity  int64     `json:"reserved_quantity"`
	AvailableQuantity int64     `json:"available_quantity"`
	Version           int64     `json:"version"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewStockState builds a state snapshot from a record
func NewStockState(rec *StockRecord) *StockState {
	return &StockState{
		ProductID:         rec.ProductID,
		TotalQuantity:     rec.TotalQuantity,
		ReservedQuantity:  rec.ReservedQuantity,
		AvailableQuantity: rec.Available(),
		Version:           rec.Version,
		UpdatedAt:         rec.UpdatedAt,
	}
}

// Record converts the state back to a StockRecord
func (s *StockState) Record() *StockRecord {
	return &StockRecord{
		ProductID:        s.ProductID,
		TotalQuantity:    s.TotalQuantity,
		ReservedQuantity: s.ReservedQuantity,
		Version:          s.Version,
		UpdatedAt:        s.UpdatedAt,
	}
}

// ReplayReport compares a stored record with the totals rebuilt from its
// movement log
type ReplayReport struct {
	ProductID        string `json:"product_id"`
	StoredTotal      int64  `json:"stored_total"`
	StoredReserved   int64  `json:"stored_reserved"`
	ReplayedTotal    int64  `json:"replayed_total"`
	ReplayedReserved int64  `json:"replayed_reserved"`
	Movements        int    `json:"movements"`
	LastSequence     int64  `json:"last_sequence"`
	Consistent       bool   `json:"consistent"`
}

// LowStockAlert is emitted by the low-stock monitor
type LowStockAlert struct {
	ProductID         string    `json:"product_id"`
	AvailableQuantity int64     `json:"available_quantity"`
	Threshold         int64     `json:"threshold"`
	Version           int64     `json:"version"`
	DetectedAt        time.Time `json:"detected_at"`
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
