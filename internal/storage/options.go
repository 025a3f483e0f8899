package storage

import (
	"time"

	"github.com/google/uuid"
)

// Options control storage behaviour across backends.
type Options struct {
	// Clock stamps CreatedAt/UpdatedAt; defaults to time.Now.
	Clock func() time.Time
	// NewID generates target ids; defaults to random UUIDs.
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}
