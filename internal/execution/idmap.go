package execution

import "sort"

// BrokerOrderMap maps internal order ids to broker-assigned ids. It is
// populated after every accepted submit and pruned when an order reaches a
// terminal state. A missing entry is always a hard error for cancel and
// replace; an id is never synthesized.
//
// BrokerOrderMap is not safe for concurrent use.
type BrokerOrderMap struct {
	ids map[string]string
}

// NewBrokerOrderMap returns an empty map.
func NewBrokerOrderMap() *BrokerOrderMap {
	return &BrokerOrderMap{ids: make(map[string]string)}
}

// Register records internalID -> brokerID, overwriting any previous entry.
func (m *BrokerOrderMap) Register(internalID, brokerID string) {
	if m.ids == nil {
		m.ids = make(map[string]string)
	}
	m.ids[internalID] = brokerID
}

// BrokerID returns the broker id for internalID.
// A nil map knows no orders.
func (m *BrokerOrderMap) BrokerID(internalID string) (string, bool) {
	if m == nil {
		return "", false
	}
	id, ok := m.ids[internalID]
	return id, ok
}

// Deregister drops internalID.
func (m *BrokerOrderMap) Deregister(internalID string) {
	delete(m.ids, internalID)
}

// Len returns the number of tracked orders.
func (m *BrokerOrderMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.ids)
}

// MapEntry is one internal -> broker mapping.
type MapEntry struct {
	InternalID string `json:"internal_id"`
	BrokerID   string `json:"broker_id"`
}

// Entries returns every mapping sorted by internal id.
func (m *BrokerOrderMap) Entries() []MapEntry {
	out := make([]MapEntry, 0, len(m.ids))
	for in, br := range m.ids {
		out = append(out, MapEntry{InternalID: in, BrokerID: br})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InternalID < out[j].InternalID })
	return out
}

// Load registers every entry, used to repopulate the map after restart.
func (m *BrokerOrderMap) Load(entries []MapEntry) {
	for _, e := range entries {
		m.Register(e.InternalID, e.BrokerID)
	}
}
