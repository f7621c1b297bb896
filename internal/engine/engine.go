package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff"

	"github.com/roach88/secsync/internal/crypto"
	"github.com/roach88/secsync/internal/ephemeral"
	"github.com/roach88/secsync/internal/ir"
)

// DefaultMaxSnapshotSaveFailures is how many consecutive snapshot-save-failed
// answers are retried before the engine gives up and reconnects.
const DefaultMaxSnapshotSaveFailures = 5

// Config holds what an engine needs to sync one document.
type Config struct {
	DocumentID string
	SigningKey crypto.SigningKeyPair

	// SessionKey authenticates the connection to the relay.
	SessionKey string

	// KnownSnapshot is the last snapshot this client confirmed. When set,
	// the engine connects in delta mode and rejects any snapshot that does
	// not descend from it.
	KnownSnapshot *ir.KnownSnapshotInfo

	Host      Host
	Transport Transport
}

// Option configures an Engine.
type Option func(*Engine)

// WithScheduler sets the scheduler used for reconnect timers.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) {
		e.scheduler = s
	}
}

// WithIDGenerator sets the snapshot id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithLogger sets the logger. The engine adds a document_id attribute.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithRetryPolicy sets the reconnect backoff policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithMaxSnapshotSaveFailures sets how many consecutive snapshot save
// failures are retried before reconnecting.
//
// Default: 5 (DefaultMaxSnapshotSaveFailures)
func WithMaxSnapshotSaveFailures(n int) Option {
	return func(e *Engine) {
		e.maxSnapshotSaveFailures = n
	}
}

// Engine syncs one document with a relay.
//
// Thread-safety model:
//   - Connect, Disconnect, AddChanges, SendEphemeralMessage,
//     SendCustomMessage, Status: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Engine struct {
	docID      string
	signer     crypto.SigningKeyPair
	pubKey     string
	sessionKey string

	host      Host
	transport Transport
	scheduler Scheduler
	ids       IDGenerator
	logger    *slog.Logger

	newEphemeralSession func() (*ephemeral.Session, error)

	retry                   RetryPolicy
	backoff                 *backoff.ExponentialBackOff
	maxSnapshotSaveFailures int

	signal   chan struct{}
	control  *queue[command]
	custom   *queue[incomingEvent]
	incoming *queue[incomingEvent]
	pending  *queue[Change]

	// Owned by the Run goroutine.
	state           State
	decryption      DecryptionState
	shouldReconnect bool
	gen             uint64
	conn            Conn
	stopReconnect   func() bool
	known           *knownSnapshot
	sess            session
	errors          errorTrace
	ephemeralErrors errorTrace

	mu     sync.Mutex
	status Status
}

// New creates an engine. Call Run to start it and Connect to open the
// connection.
func New(cfg Config, opts ...Option) (*Engine, error) {
	switch {
	case cfg.DocumentID == "":
		return nil, errors.New("engine: DocumentID is required")
	case cfg.Host == nil:
		return nil, errors.New("engine: Host is required")
	case cfg.Transport == nil:
		return nil, errors.New("engine: Transport is required")
	case len(cfg.SigningKey.PrivateKey) == 0:
		return nil, errors.New("engine: SigningKey is required")
	}

	signal := make(chan struct{}, 1)
	e := &Engine{
		docID:                   cfg.DocumentID,
		signer:                  cfg.SigningKey,
		pubKey:                  cfg.SigningKey.PublicKeyString(),
		sessionKey:              cfg.SessionKey,
		host:                    cfg.Host,
		transport:               cfg.Transport,
		scheduler:               realScheduler{},
		ids:                     UUIDv7Generator{},
		newEphemeralSession:     ephemeral.NewSession,
		logger:                  slog.Default(),
		retry:                   DefaultRetryPolicy(),
		maxSnapshotSaveFailures: DefaultMaxSnapshotSaveFailures,
		signal:                  signal,
		control:                 newQueue[command](signal),
		custom:                  newQueue[incomingEvent](signal),
		incoming:                newQueue[incomingEvent](signal),
		pending:                 newQueue[Change](signal),
		state:                   StateDisconnected,
		decryption:              DecryptionPending,
		sess:                    newSession(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.With("document_id", e.docID)
	e.backoff = e.retry.newBackOff()

	if k := cfg.KnownSnapshot; k != nil {
		e.known = &knownSnapshot{entry: k.SnapshotProofChainEntry, clocks: k.UpdateClocks}
	}

	e.status = e.buildStatus()
	return e, nil
}

// Connect opens the connection and keeps it open, reconnecting after
// failures, until Disconnect is called.
func (e *Engine) Connect() {
	e.control.Enqueue(connectCmd{})
}

// Disconnect closes the connection and stops reconnecting. Pending and
// unacknowledged changes are kept and sent after the next Connect.
func (e *Engine) Disconnect() {
	e.control.Enqueue(disconnectCmd{})
}

// AddChanges queues local changes for publishing. The host must already
// have applied them to its document.
func (e *Engine) AddChanges(changes ...Change) {
	e.pending.Enqueue(changes...)
}

// SendEphemeralMessage broadcasts data to the document's other verified
// sessions. It is dropped when there is no loaded document to key it with.
func (e *Engine) SendEphemeralMessage(data []byte) {
	e.control.Enqueue(ephemeralCmd{data: data})
}

// SendCustomMessage sends an application extension message to the relay.
func (e *Engine) SendCustomMessage(payload json.RawMessage) {
	e.control.Enqueue(customCmd{payload: payload})
}

// Run starts the single-writer event loop.
// Blocks until ctx is cancelled.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting")
	defer e.shutdown()

	for {
		if e.step(ctx) {
			e.publishStatus()
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			return ctx.Err()
		case <-e.signal:
		}
	}
}

// drain runs ticks until no queue has actionable work.
func (e *Engine) drain(ctx context.Context) {
	for e.step(ctx) {
		e.publishStatus()
	}
}

// step runs one tick and reports whether it did any work.
// CRITICAL: Called only from the Run goroutine.
func (e *Engine) step(ctx context.Context) bool {
	if cmd, ok := e.control.TryDequeue(); ok {
		e.handleCommand(ctx, cmd)
		return true
	}
	if ev, ok := e.custom.TryDequeue(); ok {
		e.handleCustom(ctx, ev)
		return true
	}
	if ev, ok := e.incoming.TryDequeue(); ok {
		e.handleIncomingEvent(ctx, ev)
		return true
	}
	return e.processPending(ctx)
}

func (e *Engine) shutdown() {
	e.cancelReconnect()
	e.closeConn()
	e.publishStatus()
}
