package service

import "stock-ledger/internal/models"

// Checkpoint is a known ledger state for one product at a sequence id
type Checkpoint struct {
	TotalQuantity    int64 `json:"total_quantity"`
	ReservedQuantity int64 `json:"reserved_quantity"`
	Sequence         int64 `json:"sequence"`
}

// Replay applies movements newer than the checkpoint, in the order given, and
// returns the resulting state. Movements at or before checkpoint.Sequence are
// skipped so overlapping pages are harmless.
func Replay(checkpoint Checkpoint, movements []models.MovementRecord) Checkpoint {
	state := checkpoint
	for _, m := range movements {
		if m.SequenceID <= state.Sequence {
			continue
		}
		total, reserved := m.Kind.Effect(m.Delta)
		state.TotalQuantity += total
		state.ReservedQuantity += reserved
		state.Sequence = m.SequenceID
	}
	return state
}
