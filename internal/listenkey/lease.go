package listenkey

import "time"

// DefaultCacheTime is how long a listen key is trusted before it is kept alive again.
const DefaultCacheTime = 10 * time.Minute

// Lease is a cached listen key.
type Lease struct {
	Key           string
	AcquiredAt    time.Time
	LastKeepalive time.Time
}

// Empty reports whether no key is held.
func (l Lease) Empty() bool {
	return l.Key == ""
}

// KeepaliveDue reports whether both the acquisition and the last keepalive are older than
// cacheTime at now.
func (l Lease) KeepaliveDue(now time.Time, cacheTime time.Duration) bool {
	if l.Empty() {
		return false
	}
	if cacheTime <= 0 {
		cacheTime = DefaultCacheTime
	}
	return l.AcquiredAt.Add(cacheTime).Before(now) && l.LastKeepalive.Add(cacheTime).Before(now)
}

// Touch returns the lease with LastKeepalive moved to now.
func (l Lease) Touch(now time.Time) Lease {
	l.LastKeepalive = now
	return l
}
