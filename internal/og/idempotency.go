package og

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/kpLEE-HYU/krader/internal/schema"
)

// DefaultKeyBucket is the time granularity folded into idempotency keys.
const DefaultKeyBucket = time.Minute

// IdempotencyKey derives the order id from what identifies a trade intent.
// Replaying the same signal within one bucket always yields the same key.
func IdempotencyKey(signalID, symbol string, side schema.OrderSide, qty int64, at time.Time, bucket time.Duration) string {
	if bucket < time.Second {
		bucket = DefaultKeyBucket
	}
	raw := fmt.Sprintf("%s|%s|%s|%d|%d", signalID, symbol, side, qty, at.Unix()/int64(bucket/time.Second))
	sum := sha256.Sum256([]byte(raw))
	return "ORD-" + hex.EncodeToString(sum[:])[:16]
}
