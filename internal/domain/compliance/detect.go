package compliance

import (
	"fmt"
	"time"

	"github.com/ehr/consent/internal/domain/audit"
	"github.com/ehr/consent/internal/domain/consent"
)

// finding is one detected breach before deduplication. Evidence is the last
// audit event showing it, or nil when only the stored contract shows it.
type finding struct {
	Type     AlertType
	Detail   string
	Evidence *audit.Event
}

// detect runs every check over a contract and its events (ascending seq).
// Denied accesses are never findings: a denial is the gate working.
func detect(c *consent.ConsentContract, events []*audit.Event, now time.Time, reviewWindow time.Duration) []finding {
	var granted []*audit.Event
	for _, e := range events {
		if e.Action == audit.ActionContractAccessed {
			granted = append(granted, e)
		}
	}

	var out []finding
	if f, ok := postExpiry(c, granted); ok {
		out = append(out, f)
	}
	if f, ok := overLimit(c, granted); ok {
		out = append(out, f)
	}
	if f, ok := outOfScope(c, granted); ok {
		out = append(out, f)
	}
	if f, ok := unreviewedEmergency(c, events, granted, now, reviewWindow); ok {
		out = append(out, f)
	}
	return out
}

func postExpiry(c *consent.ConsentContract, granted []*audit.Event) (finding, bool) {
	var last *audit.Event
	n := 0
	for _, e := range granted {
		if !consent.WithinWindow(c, e.Timestamp) {
			last = e
			n++
		}
	}
	if last == nil {
		return finding{}, false
	}
	return finding{
		Type:     AlertPostExpiryAccess,
		Detail:   fmt.Sprintf("%d granted access(es) outside the validity window, last at %s", n, last.Timestamp.Format(time.RFC3339)),
		Evidence: last,
	}, true
}

// overLimit flags a budget that was exceeded at any point: by the stored
// counter, by the number of grants, or by a grant recording a count above
// the maximum.
func overLimit(c *consent.ConsentContract, granted []*audit.Event) (finding, bool) {
	if c.MaxAccessCount == nil {
		return finding{}, false
	}
	limit := *c.MaxAccessCount

	var evidence *audit.Event
	for i, e := range granted {
		if i+1 > limit || (e.AccessCount != nil && *e.AccessCount > limit) {
			evidence = e
		}
	}
	if evidence == nil && c.AccessCount <= limit {
		return finding{}, false
	}
	if evidence == nil && len(granted) > 0 {
		evidence = granted[len(granted)-1]
	}
	return finding{
		Type:     AlertOverLimitAccess,
		Detail:   fmt.Sprintf("max_access_count=%d, stored access_count=%d, granted events=%d", limit, c.AccessCount, len(granted)),
		Evidence: evidence,
	}, true
}

func outOfScope(c *consent.ConsentContract, granted []*audit.Event) (finding, bool) {
	var last *audit.Event
	types := map[string]bool{}
	for _, e := range granted {
		if !c.Allows(e.DataType) {
			last = e
			types[e.DataType] = true
		}
	}
	if last == nil {
		return finding{}, false
	}
	return finding{
		Type:     AlertScopeViolation,
		Detail:   fmt.Sprintf("granted access to %d data type(s) outside scope, last %q", len(types), last.DataType),
		Evidence: last,
	}, true
}

// unreviewedEmergency flags an emergency contract whose first granted access
// is older than the review window with no administrative review inside it.
func unreviewedEmergency(c *consent.ConsentContract, events, granted []*audit.Event, now time.Time, window time.Duration) (finding, bool) {
	if c.Urgency != consent.UrgencyEmergency || len(granted) == 0 {
		return finding{}, false
	}
	first := granted[0]
	deadline := first.Timestamp.Add(window)
	if now.Before(deadline) {
		return finding{}, false
	}
	for _, e := range events {
		if e.Action != audit.ActionContractReviewed {
			continue
		}
		if !e.Timestamp.Before(first.Timestamp) && !e.Timestamp.After(deadline) {
			return finding{}, false
		}
	}
	return finding{
		Type:     AlertUnresolvedEmergencyAccess,
		Detail:   fmt.Sprintf("emergency access first granted at %s not reviewed within %s", first.Timestamp.Format(time.RFC3339), window),
		Evidence: first,
	}, true
}
