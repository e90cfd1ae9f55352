package remote

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// HeaderRequestID carries the per-call id the backend echoes in its logs.
const HeaderRequestID = "X-Request-ID"

// newRequestID creates a unique id for one remote call.
func newRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(b)
}
