package provider

// EventKind discriminates auth-change notifications.
type EventKind string

const (
	// EventInitialSession is fired once when the persisted session (or its
	// absence) is first restored. It can race with an explicit GetSession
	// from the bootstrapper; consumers must treat it as idempotent.
	EventInitialSession EventKind = "initial_session"
	EventSignedIn       EventKind = "signed_in"
	EventSignedOut      EventKind = "signed_out"
)

// Event is one auth-change notification. Session is nil for signed-out
// events and for an initial restore that found nothing.
type Event struct {
	Kind    EventKind
	Session *Session
}
