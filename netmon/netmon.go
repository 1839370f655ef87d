// Package netmon provides the connectivity capability the sync engine
// consumes: a point-in-time online check plus a subscription for transition
// notifications. Notifications may repeat the current state; subscribers are
// expected to tolerate spurious repeats.
package netmon

// Monitor reports connectivity and notifies subscribers of transitions.
type Monitor interface {
	Online() bool
	// Subscribe registers fn to be invoked on connectivity notifications and
	// returns an unsubscribe func. Unsubscribing is idempotent.
	Subscribe(fn func(online bool)) (unsubscribe func())
}
