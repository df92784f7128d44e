package consolidate

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// TempIDPrefix marks races that have not been persisted yet.
const TempIDPrefix = "new-"

// IDGenerator mints temporary race ids. Implementations must never return
// the same id twice, including for calls made within the same instant.
type IDGenerator interface {
	NewID() string
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func() string

// NewID implements IDGenerator.
func (f IDGeneratorFunc) NewID() string { return f() }

// UUIDGenerator mints "new-<uuid>" ids.
type UUIDGenerator struct{}

// NewID implements IDGenerator.
func (UUIDGenerator) NewID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTemporaryID reports whether id belongs to a race that was never persisted.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NumericID parses a persisted race id.
func NumericID(id string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
