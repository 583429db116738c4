package submgr

import "github.com/nbd-wtf/go-nostr"

// adjustFilters applies the delivery cursor as a lower time bound on every
// filter. Filters are immutable value objects at the protocol layer, so the
// adjustment is re-derived on each (re)subscription rather than stored.
func adjustFilters(lastSeenAt *nostr.Timestamp, filters []nostr.Filter) nostr.Filters {
	adjusted := make(nostr.Filters, len(filters))
	copy(adjusted, filters)
	if lastSeenAt == nil {
		return adjusted
	}
	for i := range adjusted {
		since := *lastSeenAt
		adjusted[i].Since = &since
	}
	return adjusted
}
