// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates random (v4) UUID strings for output rows.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv4 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	return id.String(), nil
}

// RunGenerator creates time-ordered (v7) UUID strings, used to tag a run so
// its batch summaries sort together.
type RunGenerator struct{}

// NewRun creates a new RunGenerator.
func NewRun() *RunGenerator {
	return &RunGenerator{}
}

// NewID returns a UUIDv7 string.
func (RunGenerator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
