package lockmgr

import (
	"encoding/json"
	"time"

	"pkt.systems/relayd/internal/clock"
)

// Lease is the JSON document stored at lock:<name>.
type Lease struct {
	Key        string `json:"key"`
	Owner      string `json:"owner"`
	TTLSeconds int64  `json:"ttlSeconds"`
	AcquiredAt int64  `json:"acquiredAt"`
	ExpiresAt  int64  `json:"expiresAt"`
}

// Valid reports whether the lease is still in force at now.
func (l Lease) Valid(now time.Time) bool {
	return l.Owner != "" && clock.Millis(now) < l.ExpiresAt
}

// Expires returns the expiry as a time.
func (l Lease) Expires() time.Time {
	return clock.FromMillis(l.ExpiresAt)
}

// ttlSeconds rounds ttl up to whole seconds so sub-second leases are not
// recorded as zero.
func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64((ttl + time.Second - 1) / time.Second)
}

func encodeLease(l Lease) []byte {
	// Lease has no fields that can fail to marshal.
	out, _ := json.Marshal(l)
	return out
}

func decodeLease(raw []byte) (Lease, error) {
	var l Lease
	err := json.Unmarshal(raw, &l)
	return l, err
}
