// Package textdoc is an append-only collaborative text document that
// implements engine.Host.
//
// Every line carries a LineID made of a Lamport clock and the author's peer
// id. Lines are ordered by that id, so replicas holding the same set of
// lines render the same text regardless of arrival order, and applying a
// line twice is a no-op.
package textdoc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/secsync/internal/engine"
	"github.com/roach88/secsync/internal/ir"
)

// LineID orders lines across replicas.
type LineID struct {
	Clock  int64  `json:"clock"`
	PeerID string `json:"peerId"`
}

// Less orders by clock, then peer id.
func (id LineID) Less(other LineID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.PeerID < other.PeerID
}

// Line is one appended line of text.
type Line struct {
	ID   LineID `json:"id"`
	Text string `json:"text"`
}

// Option configures a Doc.
type Option func(*Doc)

// WithSnapshotEvery asks the engine for a new snapshot once n updates were
// saved or received on the active snapshot. Zero never asks.
func WithSnapshotEvery(n int) Option {
	return func(d *Doc) {
		d.snapshotEvery = n
	}
}

// WithAllowedClients restricts which public keys may author snapshots,
// updates and ephemeral messages. Without it every author is accepted.
func WithAllowedClients(pubKeys ...string) Option {
	return func(d *Doc) {
		d.allowed = make(map[string]bool, len(pubKeys))
		for _, k := range pubKeys {
			d.allowed[k] = true
		}
	}
}

// WithOnLine is called for every line that arrives from another replica.
func WithOnLine(f func(Line)) Option {
	return func(d *Doc) {
		d.onLine = f
	}
}

// WithOnEphemeral is called for every verified ephemeral message.
func WithOnEphemeral(f func(author string, content []byte)) Option {
	return func(d *Doc) {
		d.onEphemeral = f
	}
}

// WithOnStatus is called when the engine's status changes.
func WithOnStatus(f func(engine.Status)) Option {
	return func(d *Doc) {
		d.onStatus = f
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Doc) {
		d.logger = l
	}
}

// Doc is a replica of an append-only text document.
//
// Thread-safety: All methods are safe for concurrent use. Callbacks run
// without the lock held.
type Doc struct {
	peerID string
	key    []byte

	snapshotEvery int
	allowed       map[string]bool
	onLine        func(Line)
	onEphemeral   func(string, []byte)
	onStatus      func(engine.Status)
	logger        *slog.Logger

	mu                sync.Mutex
	clock             int64
	lines             map[LineID]string
	updatesOnSnapshot int
	activeSnapshotID  string
}

// New creates an empty replica. peerID must be unique among replicas,
// typically the author's public key. key is the document key used for
// every snapshot and update.
func New(peerID string, key []byte, opts ...Option) *Doc {
	d := &Doc{
		peerID: peerID,
		key:    key,
		lines:  make(map[LineID]string),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Append adds a local line and returns the change to hand to the engine.
func (d *Doc) Append(text string) engine.Change {
	d.mu.Lock()
	d.clock++
	line := Line{ID: LineID{Clock: d.clock, PeerID: d.peerID}, Text: text}
	d.lines[line.ID] = text
	d.mu.Unlock()

	data, _ := json.Marshal(line)
	return engine.Change(data)
}

// Lines returns every line in document order.
func (d *Doc) Lines() []Line {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sortedLocked()
}

// Text returns the document as newline separated lines.
func (d *Doc) Text() string {
	lines := d.Lines()
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.Text
	}
	return strings.Join(parts, "\n")
}

// ActiveSnapshotID returns the last snapshot received or saved.
func (d *Doc) ActiveSnapshotID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeSnapshotID
}

func (d *Doc) sortedLocked() []Line {
	out := make([]Line, 0, len(d.lines))
	for id, text := range d.lines {
		out = append(out, Line{ID: id, Text: text})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// merge inserts lines and returns the ones that were new.
func (d *Doc) merge(lines []Line) []Line {
	d.mu.Lock()
	defer d.mu.Unlock()

	var added []Line
	for _, l := range lines {
		if _, ok := d.lines[l.ID]; ok {
			continue
		}
		d.lines[l.ID] = l.Text
		if l.ID.Clock > d.clock {
			d.clock = l.ID.Clock
		}
		added = append(added, l)
	}
	return added
}

func (d *Doc) notify(lines []Line) {
	if d.onLine == nil {
		return
	}
	for _, l := range lines {
		if l.ID.PeerID != d.peerID {
			d.onLine(l)
		}
	}
}

// ApplySnapshot merges the snapshot's lines. Local lines the snapshot does
// not contain are kept.
func (d *Doc) ApplySnapshot(_ context.Context, content []byte) error {
	var lines []Line
	if err := json.Unmarshal(content, &lines); err != nil {
		return fmt.Errorf("decode snapshot content: %w", err)
	}
	d.notify(d.merge(lines))
	return nil
}

func (d *Doc) GetSnapshotKey(context.Context, engine.SnapshotKeyRequest) ([]byte, error) {
	return d.key, nil
}

func (d *Doc) GetUpdateKey(context.Context, ir.UpdatePublicData) ([]byte, error) {
	return d.key, nil
}

func (d *Doc) GetNewSnapshotData(context.Context) (engine.NewSnapshotData, error) {
	data, err := json.Marshal(d.Lines())
	if err != nil {
		return engine.NewSnapshotData{}, fmt.Errorf("encode snapshot content: %w", err)
	}
	return engine.NewSnapshotData{Data: data, Key: d.key}, nil
}

// SerializeChanges encodes changes as a JSON array of lines.
func (d *Doc) SerializeChanges(changes []engine.Change) ([]byte, error) {
	raw := make([]json.RawMessage, len(changes))
	for i, c := range changes {
		raw[i] = json.RawMessage(c)
	}
	return json.Marshal(raw)
}

func (d *Doc) DeserializeChanges(data []byte) ([]engine.Change, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode changes: %w", err)
	}
	changes := make([]engine.Change, len(raw))
	for i, r := range raw {
		changes[i] = engine.Change(r)
	}
	return changes, nil
}

func (d *Doc) ApplyChanges(_ context.Context, changes []engine.Change) error {
	lines := make([]Line, 0, len(changes))
	for _, c := range changes {
		var l Line
		if err := json.Unmarshal(c, &l); err != nil {
			return fmt.Errorf("decode line: %w", err)
		}
		lines = append(lines, l)
	}
	d.notify(d.merge(lines))
	return nil
}

func (d *Doc) ApplyEphemeralMessage(_ context.Context, content []byte, author string) error {
	if d.onEphemeral != nil {
		d.onEphemeral(author, content)
	}
	return nil
}

func (d *Doc) ShouldSendSnapshot(engine.ShouldSendSnapshotParams) bool {
	if d.snapshotEvery <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updatesOnSnapshot >= d.snapshotEvery
}

func (d *Doc) IsValidClient(_ context.Context, pubKey string) (bool, error) {
	if d.allowed == nil {
		return true, nil
	}
	return d.allowed[pubKey], nil
}

func (d *Doc) OnDocumentUpdated(ev engine.DocumentUpdatedEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch ev.Kind {
	case engine.SnapshotReceived, engine.SnapshotSaved:
		d.activeSnapshotID = ev.SnapshotID
		d.updatesOnSnapshot = 0
	case engine.UpdateReceived, engine.UpdateSaved:
		d.updatesOnSnapshot++
	}
}

func (d *Doc) OnCustomMessage(_ context.Context, payload json.RawMessage) error {
	d.logger.Debug("ignoring custom message", "size", len(payload))
	return nil
}

func (d *Doc) OnStatusChange(st engine.Status) {
	if d.onStatus != nil {
		d.onStatus(st)
	}
}

var _ engine.Host = (*Doc)(nil)
