package consent

import "time"

// WithinWindow reports whether now falls in [ValidFrom, ValidUntil).
func WithinWindow(c *ConsentContract, now time.Time) bool {
	if now.Before(c.ValidFrom) {
		return false
	}
	return c.ValidUntil == nil || now.Before(*c.ValidUntil)
}

// IsCurrentlyValid combines the stored administrative status with the time
// window. A stored "expired" flag is never trusted on its own; the window is
// always recomputed.
func IsCurrentlyValid(c *ConsentContract, now time.Time) bool {
	switch c.Status {
	case ContractRevoked, ContractSuspended:
		return false
	}
	return WithinWindow(c, now)
}

// EffectiveStatus is the status a reader should see at now.
func EffectiveStatus(c *ConsentContract, now time.Time) ContractStatus {
	switch c.Status {
	case ContractRevoked, ContractSuspended:
		return c.Status
	}
	if WithinWindow(c, now) {
		return ContractActive
	}
	return ContractExpired
}
