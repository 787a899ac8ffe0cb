package sync

// VersionGate is the optimistic-concurrency token shared by every syncable entity kind.
// Expected is the version the client believed current when editing began; Next is the
// version the hub assigns when the gate admits the change. The hub is the only writer of
// version numbers, so a gate built from a client push always derives Next from the stored
// value, never from client input.
type VersionGate struct {
	Expected int64
	Next     int64
}

// NewVersionGate builds a gate for a pushed record against the hub's stored version
// (zero when the hub has never seen the id).
func NewVersionGate(expected, stored int64) VersionGate {
	next := stored + 1
	if next <= 0 {
		next = 1
	}
	return VersionGate{Expected: expected, Next: next}
}

// Admit reports whether the pushed change may apply over the stored version.
// A change is stale exactly when its base predates what the hub already holds.
func (g VersionGate) Admit(stored int64) bool {
	return g.Expected >= stored
}
