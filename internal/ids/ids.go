// Package ids issues the identifiers stamped on tenants, secret records,
// jobs and audit entries. ULIDs keep per-tenant listings in creation order
// without a separate sequence column.
package ids

import (
	crand "crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(crand.Reader, 0)
)

// New returns a ULID. Ids issued by the same process sort in issue order.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}
