package relay

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/secsync/internal/engine"
	"github.com/roach88/secsync/internal/ir"
	"github.com/roach88/secsync/internal/proof"
	"github.com/roach88/secsync/internal/store"
	"github.com/roach88/secsync/internal/transport"
)

func (r *Relay) serveWS(w http.ResponseWriter, req *http.Request) {
	docID := mux.Vars(req)["documentId"]
	params, err := transport.ParseParams(docID, req.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("upgrade failed", "document_id", docID, "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, r.sendBuffer),
	}
	c.logger = r.logger.With("document_id", docID, "client_id", c.id)
	go c.writePump()

	ctx := req.Context()
	exists, err := r.store.DocumentExists(ctx, docID)
	if err == nil && !exists && r.autoCreate {
		_, err = r.store.CreateDocument(ctx, docID)
		exists = err == nil
	}
	switch {
	case err != nil:
		c.logger.Error("open document", "error", err)
		c.enqueue(ir.DocumentErrorMessage{Reason: "storage error"})
		c.close()
		return
	case !exists:
		c.logger.Info("document not found")
		c.enqueue(ir.DocumentNotFoundMessage{})
		c.close()
		return
	}

	d := r.document(docID)
	d.mu.Lock()
	err = r.sendDocument(ctx, c, params)
	if err == nil {
		d.add(c)
	}
	d.mu.Unlock()
	if err != nil {
		c.logger.Warn("initial document failed", "error", err)
		c.enqueue(ir.DocumentErrorMessage{Reason: err.Error()})
		c.close()
		r.release(d)
		return
	}

	c.logger.Info("client connected", "mode", params.Mode)
	r.readPump(ctx, d, c)

	d.mu.Lock()
	d.remove(c)
	d.mu.Unlock()
	c.close()
	r.release(d)
	c.logger.Info("client disconnected")
}

// errUnknownSnapshot is sent when a delta resume names a snapshot the
// document does not have.
var errUnknownSnapshot = errors.New("unknown known snapshot")

// sendDocument queues the initial document message for params.
// Called with the document lock held.
func (r *Relay) sendDocument(ctx context.Context, c *client, params engine.ConnectParams) error {
	version, err := r.store.LatestVersion(ctx, params.DocumentID)
	if err != nil {
		return err
	}
	msg := ir.DocumentMessage{ServerData: &ir.ServerData{LatestVersion: version}}

	latest, err := r.store.LatestSnapshot(ctx, params.DocumentID)
	if err != nil {
		return err
	}
	if latest == nil {
		c.enqueue(msg)
		return nil
	}
	latestID := latest.PublicData.SnapshotID

	switch {
	case params.Mode == engine.SyncDelta && params.KnownSnapshotID == latestID:
		msg.Updates, err = r.store.ReadUpdates(ctx, latestID, params.KnownSnapshotUpdateClocks)
	case params.Mode == engine.SyncDelta:
		msg.SnapshotProofChain, err = r.store.ProofChainSince(ctx, params.DocumentID, params.KnownSnapshotID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", errUnknownSnapshot, params.KnownSnapshotID)
		}
		if err == nil {
			msg.Snapshot = latest
			msg.Updates, err = r.store.ReadUpdates(ctx, latestID, nil)
		}
	default:
		msg.Snapshot = latest
		msg.Updates, err = r.store.ReadUpdates(ctx, latestID, nil)
	}
	if err != nil {
		return err
	}
	c.enqueue(msg)
	return nil
}

func (r *Relay) readPump(ctx context.Context, d *document, c *client) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := ir.ParseOutbound(data)
		if err != nil {
			c.logger.Warn("dropping unparseable message", "error", err)
			continue
		}

		d.mu.Lock()
		err = r.handle(ctx, d, c, msg)
		d.mu.Unlock()
		if err != nil {
			c.logger.Error("handle message", "type", msg.MessageType(), "error", err)
			c.enqueue(ir.DocumentErrorMessage{Reason: "storage error"})
		}
	}
}

// handle processes one client message.
// Called with the document lock held.
func (r *Relay) handle(ctx context.Context, d *document, c *client, msg ir.Outbound) error {
	switch m := msg.(type) {
	case ir.OutboundSnapshot:
		return r.handleSnapshot(ctx, d, c, m.Snapshot)
	case ir.OutboundUpdate:
		return r.handleUpdate(ctx, d, c, m.Update)
	case ir.OutboundEphemeralMessage:
		if m.Message.PublicData.DocID != d.id {
			c.logger.Warn("dropping ephemeral message for another document")
			return nil
		}
		d.broadcast(c, ir.EphemeralMessageReceived{Message: m.Message})
		return nil
	case ir.OutboundCustom:
		c.logger.Debug("ignoring custom message")
		return nil
	default:
		return fmt.Errorf("unhandled message type %s", msg.MessageType())
	}
}

// handleSnapshot stores snap if it extends the latest snapshot with the
// latest update clocks. Otherwise the client gets everything it is missing
// in snapshot-save-failed.
func (r *Relay) handleSnapshot(ctx context.Context, d *document, c *client, snap ir.Snapshot) error {
	pub := snap.PublicData
	latest, err := r.store.LatestSnapshot(ctx, d.id)
	if err != nil {
		return err
	}

	reason, err := r.checkSnapshot(ctx, d, latest, pub)
	if err != nil {
		return err
	}
	if reason != "" {
		c.logger.Info("snapshot rejected", "snapshot_id", pub.SnapshotID, "reason", reason)
		failed, err := r.catchUp(ctx, d, latest, pub)
		if err != nil {
			return err
		}
		c.enqueue(failed)
		return nil
	}

	version, err := r.store.WriteSnapshot(ctx, snap)
	if errors.Is(err, store.ErrConflict) {
		c.logger.Info("snapshot rejected", "snapshot_id", pub.SnapshotID, "reason", "duplicate id")
		failed, err := r.catchUp(ctx, d, latest, pub)
		if err != nil {
			return err
		}
		c.enqueue(failed)
		return nil
	}
	if err != nil {
		return err
	}

	sd := &ir.ServerData{LatestVersion: version}
	c.logger.Info("snapshot saved", "snapshot_id", pub.SnapshotID, "version", version)
	c.enqueue(ir.SnapshotSavedMessage{SnapshotID: pub.SnapshotID, ServerData: sd})

	snap.ServerData = sd
	d.broadcast(c, ir.SnapshotMessage{Snapshot: snap})
	return nil
}

// checkSnapshot returns why pub cannot follow latest, or "" if it can.
func (r *Relay) checkSnapshot(ctx context.Context, d *document, latest *ir.Snapshot, pub ir.SnapshotPublicData) (string, error) {
	if pub.DocID != d.id {
		return "document id mismatch", nil
	}
	if latest == nil {
		if pub.ParentSnapshotID != "" || pub.ParentSnapshotProof != proof.RootProof() {
			return "first snapshot must be a root", nil
		}
		return "", nil
	}

	if pub.ParentSnapshotID != latest.PublicData.SnapshotID {
		return "parent is not the latest snapshot", nil
	}
	if !proof.IsValidParent(proof.EntryFor(*latest), pub) {
		return "invalid parent proof", nil
	}
	clocks, err := r.store.UpdateClocks(ctx, latest.PublicData.SnapshotID)
	if err != nil {
		return "", err
	}
	if !maps.Equal(clocks, pub.ParentSnapshotUpdateClocks) {
		return "parent update clocks are outdated", nil
	}
	return "", nil
}

// catchUp builds the snapshot-save-failed answer for a client whose
// snapshot was based on pub's parent.
func (r *Relay) catchUp(ctx context.Context, d *document, latest *ir.Snapshot, pub ir.SnapshotPublicData) (ir.SnapshotSaveFailedMessage, error) {
	var msg ir.SnapshotSaveFailedMessage
	if latest == nil {
		return msg, nil
	}
	latestID := latest.PublicData.SnapshotID

	if pub.ParentSnapshotID == latestID {
		updates, err := r.store.ReadUpdates(ctx, latestID, pub.ParentSnapshotUpdateClocks)
		msg.Updates = updates
		return msg, err
	}

	msg.Snapshot = latest
	if pub.ParentSnapshotID != "" {
		chain, err := r.store.ProofChainSince(ctx, d.id, pub.ParentSnapshotID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return msg, err
		}
		msg.SnapshotProofChain = chain
	}
	updates, err := r.store.ReadUpdates(ctx, latestID, nil)
	msg.Updates = updates
	return msg, err
}

// handleUpdate stores u if it references the latest snapshot and continues
// its author's clock.
func (r *Relay) handleUpdate(ctx context.Context, d *document, c *client, u ir.Update) error {
	pub := u.PublicData
	failed := ir.UpdateSaveFailedMessage{SnapshotID: pub.RefSnapshotID, Clock: pub.Clock}
	reject := func(reason string) error {
		c.logger.Info("update rejected",
			"snapshot_id", pub.RefSnapshotID,
			"clock", pub.Clock,
			"reason", reason,
			"requires_new_snapshot", failed.RequiresNewSnapshot,
		)
		c.enqueue(failed)
		return nil
	}

	if pub.DocID != d.id {
		return reject("document id mismatch")
	}
	latest, err := r.store.LatestSnapshot(ctx, d.id)
	if err != nil {
		return err
	}
	if latest == nil {
		failed.RequiresNewSnapshot = true
		return reject("document has no snapshot")
	}
	if pub.RefSnapshotID != latest.PublicData.SnapshotID {
		if _, err := r.store.ReadSnapshot(ctx, pub.RefSnapshotID); errors.Is(err, store.ErrNotFound) {
			failed.RequiresNewSnapshot = true
		}
		return reject("not the latest snapshot")
	}

	clocks, err := r.store.UpdateClocks(ctx, pub.RefSnapshotID)
	if err != nil {
		return err
	}
	expected := int64(0)
	if c, ok := clocks[pub.PubKey]; ok {
		expected = c + 1
	}
	if pub.Clock != expected {
		return reject(fmt.Sprintf("expected clock %d", expected))
	}

	version, err := r.store.WriteUpdate(ctx, u)
	if errors.Is(err, store.ErrConflict) {
		return reject("duplicate clock")
	}
	if err != nil {
		return err
	}

	sd := &ir.ServerData{LatestVersion: version}
	c.logger.Debug("update saved", "snapshot_id", pub.RefSnapshotID, "clock", pub.Clock, "version", version)
	c.enqueue(ir.UpdateSavedMessage{SnapshotID: pub.RefSnapshotID, Clock: pub.Clock, ServerData: sd})

	u.ServerData = sd
	d.broadcast(c, ir.UpdateMessage{Update: u})
	return nil
}
