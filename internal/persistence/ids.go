package persistence

import (
	"time"

	"github.com/google/uuid"
)

// newID generates a fresh opaque identity for any of the four persisted
// entities (spec §3: "Identity: opaque UUID").
func newID() string {
	return uuid.NewString()
}

// nowFunc is a seam for tests that need to control timestamps; production
// code always uses the real clock.
var nowFunc = func() time.Time { return time.Now().UTC() }
