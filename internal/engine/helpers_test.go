package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/secsync/internal/crypto"
	"github.com/roach88/secsync/internal/ir"
	"github.com/roach88/secsync/internal/proof"
	"github.com/roach88/secsync/internal/snapshot"
	"github.com/roach88/secsync/internal/syncerr"
	"github.com/roach88/secsync/internal/testutil"
	"github.com/roach88/secsync/internal/update"
)

// fakeConn records what the engine sends.
type fakeConn struct {
	mu      sync.Mutex
	sent    []ir.Outbound
	closed  bool
	sendErr error
}

func (c *fakeConn) Send(msg ir.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Sent() []ir.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ir.Outbound(nil), c.sent...)
}

// fakeTransport hands out fakeConns and keeps each connection's deliver
// function so tests can play the relay.
type fakeTransport struct {
	mu         sync.Mutex
	conns      []*fakeConn
	params     []ConnectParams
	delivers   []func(ir.Inbound)
	connectErr error
}

func (t *fakeTransport) Connect(_ context.Context, params ConnectParams, deliver func(ir.Inbound)) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params = append(t.params, params)
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	c := &fakeConn{}
	t.conns = append(t.conns, c)
	t.delivers = append(t.delivers, deliver)
	return c, nil
}

func (t *fakeTransport) last() (*fakeConn, func(ir.Inbound)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil, nil
	}
	return t.conns[len(t.conns)-1], t.delivers[len(t.delivers)-1]
}

// textHost is an append-only text document. Each change is a string that
// is appended to the content.
type textHost struct {
	NopHooks

	mu            sync.Mutex
	content       string
	key           []byte
	shouldSnap    bool
	invalidAuthor string
	events        []DocumentUpdatedEvent
	ephemeral     []string
	statuses      []Status
	custom        []string
	applyErr      error
}

func (h *textHost) ApplySnapshot(_ context.Context, content []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.content = string(content)
	return nil
}

func (h *textHost) GetSnapshotKey(context.Context, SnapshotKeyRequest) ([]byte, error) {
	return h.key, nil
}

func (h *textHost) GetUpdateKey(context.Context, ir.UpdatePublicData) ([]byte, error) {
	return h.key, nil
}

func (h *textHost) GetNewSnapshotData(context.Context) (NewSnapshotData, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return NewSnapshotData{Data: []byte(h.content), Key: h.key}, nil
}

func (h *textHost) DeserializeChanges(data []byte) ([]Change, error) {
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, err
	}
	changes := make([]Change, len(parts))
	for i, p := range parts {
		changes[i] = Change(p)
	}
	return changes, nil
}

func (h *textHost) SerializeChanges(changes []Change) ([]byte, error) {
	parts := make([]string, len(changes))
	for i, c := range changes {
		parts[i] = string(c)
	}
	return json.Marshal(parts)
}

func (h *textHost) ApplyChanges(_ context.Context, changes []Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.applyErr != nil {
		return h.applyErr
	}
	for _, c := range changes {
		h.content += string(c)
	}
	return nil
}

func (h *textHost) ApplyEphemeralMessage(_ context.Context, content []byte, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ephemeral = append(h.ephemeral, string(content))
	return nil
}

func (h *textHost) ShouldSendSnapshot(ShouldSendSnapshotParams) bool {
	return h.shouldSnap
}

func (h *textHost) IsValidClient(_ context.Context, pubKey string) (bool, error) {
	return pubKey != h.invalidAuthor, nil
}

func (h *textHost) OnDocumentUpdated(ev DocumentUpdatedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *textHost) OnCustomMessage(_ context.Context, payload json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.custom = append(h.custom, string(payload))
	return nil
}

func (h *textHost) OnStatusChange(st Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, st)
}

func (h *textHost) Content() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.content
}

// local edit: the host applies the change itself, then hands it to the engine.
func (h *textHost) edit(text string) Change {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.content += text
	return Change(text)
}

const testDocID = "doc-1"

// fixture wires an engine to a fake transport, a text host and a manual
// scheduler, and plays a remote collaborator.
type fixture struct {
	t         *testing.T
	ctx       context.Context
	engine    *Engine
	host      *textHost
	transport *fakeTransport
	scheduler *testutil.ManualScheduler
	me        crypto.SigningKeyPair
	remote    crypto.SigningKeyPair
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		host:      &textHost{key: testutil.DocumentKey(1)},
		transport: &fakeTransport{},
		scheduler: testutil.NewManualScheduler(),
		me:        testutil.SigningKey(t, 1),
		remote:    testutil.SigningKey(t, 2),
	}

	cfg := Config{
		DocumentID: testDocID,
		SigningKey: f.me,
		SessionKey: "session-key",
		Host:       f.host,
		Transport:  f.transport,
	}
	for _, o := range opts {
		o(&cfg)
	}

	ids := make([]string, 32)
	for i := range ids {
		ids[i] = "local-snap-" + string(rune('a'+i))
	}

	e, err := New(cfg,
		WithScheduler(f.scheduler),
		WithIDGenerator(NewFixedGenerator(ids...)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	f.engine = e
	return f
}

func (f *fixture) drain() {
	f.engine.drain(f.ctx)
}

// connect opens a connection and acknowledges it.
func (f *fixture) connect() *fakeConn {
	f.t.Helper()
	f.engine.Connect()
	f.drain()
	conn, _ := f.transport.last()
	require.NotNil(f.t, conn)
	f.deliver(ir.Connected{})
	require.Equal(f.t, StateConnected, f.engine.Status().State)
	return conn
}

// deliver plays msg from the relay on the latest connection.
func (f *fixture) deliver(msg ir.Inbound) {
	f.t.Helper()
	_, deliver := f.transport.last()
	require.NotNil(f.t, deliver)
	deliver(msg)
	f.drain()
}

// remoteSnapshot creates a snapshot by the remote collaborator.
func (f *fixture) remoteSnapshot(id, content string, parent *ir.Snapshot, clocks map[string]int64) ir.Snapshot {
	f.t.Helper()
	params := snapshot.CreateParams{
		Content: []byte(content),
		PublicData: ir.SnapshotPublicData{
			DocID:                      testDocID,
			SnapshotID:                 id,
			ParentSnapshotUpdateClocks: clocks,
		},
		Key:        f.host.key,
		SigningKey: f.remote,
	}
	if parent != nil {
		params.PublicData.ParentSnapshotID = parent.PublicData.SnapshotID
		params.ParentSnapshotCiphertextHash = crypto.HashString(parent.Ciphertext)
		params.GrandParentSnapshotProof = parent.PublicData.ParentSnapshotProof
	}
	snap, err := snapshot.Create(params)
	require.NoError(f.t, err)
	return snap
}

// remoteUpdate creates an update by the remote collaborator.
func (f *fixture) remoteUpdate(refSnapshotID string, clock int64, changes ...string) ir.Update {
	f.t.Helper()
	data, err := json.Marshal(changes)
	require.NoError(f.t, err)
	u, err := update.Create(update.CreateParams{
		Content:       data,
		DocID:         testDocID,
		RefSnapshotID: refSnapshotID,
		Clock:         clock,
		Key:           f.host.key,
		SigningKey:    f.remote,
	})
	require.NoError(f.t, err)
	return u
}

// loadDocument connects and loads a remote root snapshot with content.
func (f *fixture) loadDocument(content string) (*fakeConn, ir.Snapshot) {
	f.t.Helper()
	conn := f.connect()
	snap := f.remoteSnapshot("snap-1", content, nil, nil)
	f.deliver(ir.DocumentMessage{Snapshot: &snap})
	require.Equal(f.t, DecryptionComplete, f.engine.Status().DecryptionState)
	return conn, snap
}

func sentOfType[T ir.Outbound](conn *fakeConn) []T {
	var out []T
	for _, msg := range conn.Sent() {
		if m, ok := msg.(T); ok {
			out = append(out, m)
		}
	}
	return out
}

func lastErrorCode(t *testing.T, errs []error) syncerr.Code {
	t.Helper()
	require.NotEmpty(t, errs)
	return syncerr.CodeOf(errs[len(errs)-1])
}

var errBoom = errors.New("boom")

// chainEntry returns the proof chain entry of snap.
func chainEntry(snap ir.Snapshot) ir.SnapshotProofChainEntry {
	return proof.EntryFor(snap)
}
