package device

import "time"

// StalenessThreshold is the oldest LastSeen still counted as online.
// Every online check in the client uses this value.
const StalenessThreshold = 5 * time.Minute

// IsOnline reports whether d says it is online and was heard from within
// StalenessThreshold of now. It has no side effects.
func IsOnline(d *Device, now time.Time) bool {
	if d == nil || d.Status != StatusOnline || d.LastSeen == nil {
		return false
	}
	return now.Sub(*d.LastSeen) < StalenessThreshold
}
