package engine

import "time"

// nowFunc is a seam for tests; production code always uses the real clock.
var nowFunc = func() time.Time { return time.Now().UTC() }
