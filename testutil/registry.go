package testutil

import (
	"time"

	"github.com/skosovsky/agentic"
)

// NewTestRegistry returns a Registry with long timeout and panic recovery enabled,
// suitable for tests.
func NewTestRegistry(tools ...agentic.Tool) *agentic.Registry {
	reg := agentic.NewRegistry(
		agentic.WithDefaultTimeout(30*time.Second),
		agentic.WithRecoverPanics(true),
	)
	for _, t := range tools {
		reg.Register(t)
	}
	return reg
}
