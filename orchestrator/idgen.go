package orchestrator

import "github.com/google/uuid"

// IDGenerator produces batch identifiers.
type IDGenerator interface {
	BatchID() string
}

// RandomIDGenerator produces prefixed random UUIDs.
type RandomIDGenerator struct{}

func (RandomIDGenerator) BatchID() string { return "batch_" + uuid.NewString() }
