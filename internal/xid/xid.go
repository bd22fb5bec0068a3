package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a prefixed, collision-resistant identifier for internal rows
// (payments, drawer sessions, audit entries). Audit-grade transaction numbers
// come from the sequence allocator, not from here.
func New(prefix string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMicro(), hex.EncodeToString(buf))
}
