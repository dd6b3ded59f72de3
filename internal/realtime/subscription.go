package realtime

import (
	"strings"

	"github.com/mbd888/arcinvoice/internal/notify"
)

// Subscription narrows the stream a client receives. A client starts with
// the zero Subscription, which matches every event; it may send a new one
// as a JSON text frame at any time and it replaces the previous filter.
type Subscription struct {
	EventTypes []notify.EventType `json:"eventTypes,omitempty"`
	InvoiceIDs []string           `json:"invoiceIds,omitempty"`
	DisputeIDs []string           `json:"disputeIds,omitempty"`
	// Addresses matches the event actor, case-insensitively.
	Addresses []string `json:"addresses,omitempty"`
	// MinAmount is in USDC base units.
	MinAmount int64 `json:"minAmount,omitempty"`
}

func (s Subscription) normalized() Subscription {
	out := s
	out.Addresses = make([]string, 0, len(s.Addresses))
	for _, a := range s.Addresses {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			out.Addresses = append(out.Addresses, a)
		}
	}
	return out
}

// Matches reports whether e passes every non-empty filter.
func (s Subscription) Matches(e notify.Event) bool {
	if len(s.EventTypes) > 0 && !oneOf(s.EventTypes, e.Type) {
		return false
	}
	if len(s.InvoiceIDs) > 0 && !oneOf(s.InvoiceIDs, e.InvoiceID) {
		return false
	}
	if len(s.DisputeIDs) > 0 && !oneOf(s.DisputeIDs, e.DisputeID) {
		return false
	}
	if len(s.Addresses) > 0 && !oneOf(s.Addresses, strings.ToLower(e.Actor)) {
		return false
	}
	return e.Amount >= s.MinAmount
}

func oneOf[T comparable](set []T, v T) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}
