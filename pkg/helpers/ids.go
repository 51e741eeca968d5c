package helpers

import (
	"strings"

	"github.com/google/uuid"
)

// NewHexID returns a random 128-bit identifier as 32 hex characters.
// Used for exchange-side idempotency keys (client order/transfer/withdrawal
// ids), which must be minted once and reused verbatim across retries.
func NewHexID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
