package reconcile

import "sort"

// DriftKind classifies one disagreement between local and broker state.
type DriftKind string

const (
	// MissingAtBroker: a locally live order the broker does not list as open.
	MissingAtBroker DriftKind = "MISSING_AT_BROKER"
	// UnknownAtBroker: an open broker order nothing local accounts for.
	UnknownAtBroker DriftKind = "UNKNOWN_AT_BROKER"
	// BrokerIDMismatch: both sides know the order under different broker ids.
	BrokerIDMismatch DriftKind = "BROKER_ID_MISMATCH"
)

type Drift struct {
	Kind          DriftKind `json:"kind"`
	InternalID    string    `json:"internal_id"`
	LocalBrokerID string    `json:"local_broker_id,omitempty"`
	BrokerID      string    `json:"broker_id,omitempty"`
}

// Compare diffs the orders expected open (internal id -> broker id) against
// the broker's open orders (client order id -> broker id). Broker orders
// for which known returns true are not reported as unknown; the caller
// uses it for orders that are pending, terminal, or still in flight.
// Drifts are sorted by internal id.
func Compare(expected, brokerOpen map[string]string, known func(clientOrderID string) bool) []Drift {
	var out []Drift
	for id, local := range expected {
		remote, ok := brokerOpen[id]
		switch {
		case !ok:
			out = append(out, Drift{Kind: MissingAtBroker, InternalID: id, LocalBrokerID: local})
		case remote != local:
			out = append(out, Drift{Kind: BrokerIDMismatch, InternalID: id, LocalBrokerID: local, BrokerID: remote})
		}
	}
	for id, remote := range brokerOpen {
		if _, ok := expected[id]; ok {
			continue
		}
		if known != nil && known(id) {
			continue
		}
		out = append(out, Drift{Kind: UnknownAtBroker, InternalID: id, BrokerID: remote})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InternalID != out[j].InternalID {
			return out[i].InternalID < out[j].InternalID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
