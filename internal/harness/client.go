package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/secsync/internal/crypto"
	"github.com/roach88/secsync/internal/engine"
	"github.com/roach88/secsync/internal/syncerr"
	"github.com/roach88/secsync/internal/textdoc"
	"github.com/roach88/secsync/internal/transport"
)

// recorder collects client callbacks until the harness drains them into
// the trace. Events are buffered per client so the trace can list them in
// client declaration order.
type recorder struct {
	mu      sync.Mutex
	pending map[string][]TraceEvent
	total   int
}

func newRecorder() *recorder {
	return &recorder{pending: make(map[string][]TraceEvent)}
}

func (r *recorder) add(client string, ev TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.Client = client
	r.pending[client] = append(r.pending[client], ev)
	r.total++
}

// count returns how many events were ever recorded.
func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// drain returns and clears the buffered events, grouped in client order.
func (r *recorder) drain(order []string) []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []TraceEvent
	for _, name := range order {
		out = append(out, r.pending[name]...)
		delete(r.pending, name)
	}
	return out
}

// recordingHost forwards to the replica and records document updates.
type recordingHost struct {
	*textdoc.Doc
	name string
	rec  *recorder
}

func (h recordingHost) OnDocumentUpdated(ev engine.DocumentUpdatedEvent) {
	te := TraceEvent{Type: string(ev.Kind), SnapshotID: ev.SnapshotID}
	if ev.Kind == engine.UpdateReceived || ev.Kind == engine.UpdateSaved {
		clock := ev.Clock
		te.Clock = &clock
	}
	h.rec.add(h.name, te)
	h.Doc.OnDocumentUpdated(ev)
}

// idSequence names snapshots "<client>-<n>".
type idSequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

func (g *idSequence) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// client is one scenario participant.
type client struct {
	name   string
	doc    *textdoc.Doc
	engine *engine.Engine

	running bool
	online  bool
	cancel  context.CancelFunc
	done    chan error
}

// clientKeys derives the signing key pair for a seed.
func clientKeys(seed byte) (crypto.SigningKeyPair, error) {
	return crypto.SigningKeyPairFromSeed(bytes.Repeat([]byte{seed}, 32))
}

func documentKey(seed byte) []byte {
	return bytes.Repeat([]byte{seed}, crypto.KeySize)
}

func newClient(spec ClientSpec, docID, relayURL string, keys map[string]crypto.SigningKeyPair, rec *recorder) (*client, error) {
	kp := keys[spec.Name]
	keySeed := spec.KeySeed
	if keySeed == 0 {
		keySeed = defaultKeySeed
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var lastState engine.State = engine.StateDisconnected
	lastDecryption := engine.DecryptionPending
	opts := []textdoc.Option{
		textdoc.WithSnapshotEvery(spec.SnapshotEvery),
		textdoc.WithLogger(logger),
		textdoc.WithOnEphemeral(func(author string, content []byte) {
			rec.add(spec.Name, TraceEvent{Type: EventEphemeral, Detail: nameOf(keys, author) + ": " + string(content)})
		}),
		textdoc.WithOnStatus(func(st engine.Status) {
			// Called from the engine loop only.
			if st.State != lastState {
				lastState = st.State
				rec.add(spec.Name, TraceEvent{Type: EventState, Detail: string(st.State)})
			}
			if st.DecryptionState != lastDecryption {
				lastDecryption = st.DecryptionState
				rec.add(spec.Name, TraceEvent{Type: EventDecryption, Detail: string(st.DecryptionState)})
			}
		}),
	}
	if len(spec.Allow) > 0 {
		allowed := make([]string, 0, len(spec.Allow))
		for _, name := range spec.Allow {
			allowed = append(allowed, keys[name].PublicKeyString())
		}
		opts = append(opts, textdoc.WithAllowedClients(allowed...))
	}

	doc := textdoc.New(kp.PublicKeyString(), documentKey(keySeed), opts...)
	eng, err := engine.New(engine.Config{
		DocumentID: docID,
		SigningKey: kp,
		Host:       recordingHost{Doc: doc, name: spec.Name, rec: rec},
		Transport:  transport.New(relayURL, transport.WithLogger(logger)),
	},
		engine.WithIDGenerator(&idSequence{prefix: spec.Name}),
		engine.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", spec.Name, err)
	}

	return &client{name: spec.Name, doc: doc, engine: eng}, nil
}

// nameOf maps a public key back to its client name.
func nameOf(keys map[string]crypto.SigningKeyPair, pubKey string) string {
	for name, kp := range keys {
		if kp.PublicKeyString() == pubKey {
			return name
		}
	}
	return pubKey
}

// start runs the engine loop in the background.
func (c *client) start(ctx context.Context) {
	if c.running {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan error, 1)
	c.running = true
	go func() {
		c.done <- c.engine.Run(ctx)
	}()
}

// stop cancels the engine loop and waits for it to exit.
func (c *client) stop() {
	if !c.running {
		return
	}
	c.cancel()
	<-c.done
	c.running = false
}

// settled reports whether the client has nothing left to do: it was
// never started, it stopped for good, it was told to go offline and did,
// or it is connected with nothing unacknowledged.
func (c *client) settled() bool {
	if !c.running {
		return true
	}
	st := c.engine.Status()
	if st.State.Terminal() {
		return true
	}
	if !c.online {
		return st.State == engine.StateDisconnected
	}
	return st.State == engine.StateConnected &&
		st.DocumentLoaded &&
		st.SnapshotInFlightID == "" &&
		st.UpdatesInFlight == 0 &&
		st.PendingChanges == 0
}

// finalState captures the client's status and document.
func (c *client) finalState() ClientState {
	st := c.engine.Status()
	lines := c.doc.Lines()
	cs := ClientState{
		State:            string(st.State),
		Decryption:       string(st.DecryptionState),
		DocumentLoaded:   st.DocumentLoaded,
		ActiveSnapshotID: st.ActiveSnapshotID,
		Lines:            make([]string, len(lines)),
	}
	for i, l := range lines {
		cs.Lines[i] = l.Text
	}
	cs.Errors = errorCodes(st.Errors)
	cs.EphemeralErrors = errorCodes(st.EphemeralErrors)
	return cs
}

func errorCodes(errs []error) []int {
	var codes []int
	for _, err := range errs {
		codes = append(codes, int(syncerr.CodeOf(err)))
	}
	return codes
}
