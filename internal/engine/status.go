package engine

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
	StateNoAccess     State = "noAccess"
)

// Terminal reports whether the engine can no longer reconnect.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateNoAccess
}

// DecryptionState tracks how much of the loaded document was decrypted.
// It survives failures so a host can tell a partially applied document
// from an unreadable one.
type DecryptionState string

const (
	DecryptionPending  DecryptionState = "pending"
	DecryptionPartial  DecryptionState = "partial"
	DecryptionComplete DecryptionState = "complete"
	DecryptionFailed   DecryptionState = "failed"
)

// Status is a point-in-time view of the engine.
type Status struct {
	State           State
	DecryptionState DecryptionState
	DocumentLoaded  bool

	ActiveSnapshotID   string
	SnapshotInFlightID string
	UpdatesInFlight    int
	PendingChanges     int

	LatestServerVersion *int64

	// Errors holds snapshot and update failures, EphemeralErrors the
	// ephemeral ones. Both are bounded, oldest first.
	Errors          []error
	EphemeralErrors []error
}

func (e *Engine) buildStatus() Status {
	st := Status{
		State:           e.state,
		DecryptionState: e.decryption,
		DocumentLoaded:  e.sess.documentLoaded,
		UpdatesInFlight: len(e.sess.updatesInFlight),
		PendingChanges:  e.pending.Len(),
		Errors:          e.errors.List(),
		EphemeralErrors: e.ephemeralErrors.List(),
	}
	if e.sess.active != nil {
		st.ActiveSnapshotID = e.sess.active.entry.SnapshotID
	}
	if e.sess.snapshotInFlight != nil {
		st.SnapshotInFlightID = e.sess.snapshotInFlight.entry.SnapshotID
	}
	if e.sess.latestServerVersion != nil {
		v := *e.sess.latestServerVersion
		st.LatestServerVersion = &v
	}
	return st
}

// publishStatus stores the current status for Status and notifies the host
// when the state, decryption state or active snapshot changed.
func (e *Engine) publishStatus() {
	st := e.buildStatus()

	e.mu.Lock()
	prev := e.status
	e.status = st
	e.mu.Unlock()

	if prev.State != st.State || prev.DecryptionState != st.DecryptionState || prev.ActiveSnapshotID != st.ActiveSnapshotID {
		e.host.OnStatusChange(st)
	}
}

// Status returns the status as of the last completed tick.
// Thread-safe: may be called from any goroutine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}
