// Package relay is a reference relay for secsync documents.
//
// The relay never sees plaintext. It stores snapshots and updates, enforces
// snapshot lineage and per-author update clocks, and fans messages out to
// the other connections of a document.
package relay

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/secsync/internal/store"
)

// Option configures a Relay.
type Option func(*Relay)

// WithAutoCreate makes connections to unknown documents create them
// instead of receiving document-not-found.
func WithAutoCreate(enabled bool) Option {
	return func(r *Relay) {
		r.autoCreate = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = l
	}
}

// WithSendBuffer sets the per-connection outgoing buffer. A connection
// whose buffer fills up is dropped.
//
// Default: 256
func WithSendBuffer(n int) Option {
	return func(r *Relay) {
		r.sendBuffer = n
	}
}

// WithCheckOrigin sets the websocket origin check.
func WithCheckOrigin(f func(*http.Request) bool) Option {
	return func(r *Relay) {
		r.upgrader.CheckOrigin = f
	}
}

// Relay serves documents over websockets.
//
// Thread-safety: all methods are safe for concurrent use. Messages of one
// document are processed one at a time under the document's lock.
type Relay struct {
	store      *store.Store
	logger     *slog.Logger
	autoCreate bool
	sendBuffer int
	upgrader   websocket.Upgrader

	mu   sync.Mutex
	docs map[string]*document
}

// New creates a relay backed by st.
func New(st *store.Store, opts ...Option) *Relay {
	r := &Relay{
		store:      st,
		logger:     slog.Default(),
		sendBuffer: 256,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		docs: make(map[string]*document),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handler returns the relay's HTTP routes: GET /healthz and the websocket
// endpoint /{documentId}.
func (r *Relay) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	router.HandleFunc("/{documentId}", r.serveWS)
	return router
}

// document returns the hub of docID, creating it on first use.
func (r *Relay) document(docID string) *document {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[docID]
	if !ok {
		d = newDocument(docID)
		r.docs[docID] = d
	}
	return d
}

// release drops the hub of docID once it has no clients.
func (r *Relay) release(d *document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.mu.Lock()
	empty := len(d.clients) == 0
	d.mu.Unlock()
	if empty && r.docs[d.id] == d {
		delete(r.docs, d.id)
	}
}

// Connections returns the number of open connections to docID.
func (r *Relay) Connections(docID string) int {
	r.mu.Lock()
	d, ok := r.docs[docID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

// Close sends a close frame to every connected client. Handlers return once
// their reads fail. Close does not stop new connections; shut the HTTP
// server down first.
func (r *Relay) Close() {
	r.mu.Lock()
	docs := make([]*document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.mu.Unlock()

	for _, d := range docs {
		d.mu.Lock()
		for _, c := range d.clients {
			c.close()
		}
		d.mu.Unlock()
	}
}
