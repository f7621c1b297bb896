package engine

import (
	"context"
	"fmt"

	"github.com/roach88/secsync/internal/ir"
	"github.com/roach88/secsync/internal/proof"
	"github.com/roach88/secsync/internal/snapshot"
	"github.com/roach88/secsync/internal/syncerr"
	"github.com/roach88/secsync/internal/update"
)

func (e *Engine) handleIncomingEvent(ctx context.Context, ev incomingEvent) {
	if ev.gen != e.gen || e.state != StateConnected {
		e.logger.Debug("dropping stale message", "type", ev.msg.MessageType(), "gen", ev.gen)
		return
	}
	if err := e.handleIncoming(ctx, ev.msg); err != nil {
		e.handleError(err)
	}
}

// handleError records err. Fatal errors end the engine in StateFailed.
func (e *Engine) handleError(err error) {
	code := syncerr.CodeOf(err)
	e.errors.Add(err)
	if !code.Fatal() {
		e.logger.Warn("sync error", "code", code.String(), "error", err)
		return
	}
	e.logger.Error("fatal sync error", "code", code.String(), "error", err)
	e.terminate(StateFailed)
}

// handleIncoming routes a relay message to its handler.
// CRITICAL: Called only from the Run goroutine.
func (e *Engine) handleIncoming(ctx context.Context, msg ir.Inbound) error {
	switch m := msg.(type) {
	case ir.DocumentMessage:
		return e.handleDocument(ctx, m)
	case ir.SnapshotMessage:
		return e.handleSnapshot(ctx, m)
	case ir.SnapshotSavedMessage:
		return e.handleSnapshotSaved(m)
	case ir.SnapshotSaveFailedMessage:
		return e.handleSnapshotSaveFailed(ctx, m)
	case ir.UpdateMessage:
		if !e.sess.documentLoaded {
			e.logger.Warn("update before document, ignoring", "snapshot_id", m.Update.PublicData.RefSnapshotID)
			return nil
		}
		return e.skipReplay(e.applyUpdate(ctx, m.Update))
	case ir.UpdateSavedMessage:
		return e.handleUpdateSaved(m)
	case ir.UpdateSaveFailedMessage:
		return e.handleUpdateSaveFailed(m)
	case ir.EphemeralMessageReceived:
		e.handleEphemeral(ctx, m.Message)
		return nil
	case ir.DocumentNotFoundMessage, ir.UnauthorizedMessage:
		e.logger.Warn("no access to document", "reason", m.MessageType())
		e.terminate(StateNoAccess)
		return nil
	case ir.DocumentErrorMessage:
		return syncerr.New(syncerr.CodeGeneric, fmt.Sprintf("relay document error: %s", m.Reason))
	default:
		e.logger.Warn("unhandled message", "type", msg.MessageType())
		return nil
	}
}

func (e *Engine) handleDocument(ctx context.Context, m ir.DocumentMessage) error {
	if e.sess.documentLoaded {
		e.logger.Warn("document already loaded, ignoring")
		return nil
	}
	e.updateServerVersion(m.ServerData)

	switch {
	case m.Snapshot != nil:
		var base *ir.SnapshotProofChainEntry
		if e.known != nil {
			base = &e.known.entry
		}
		if err := e.loadSnapshot(ctx, *m.Snapshot, m.SnapshotProofChain, base); err != nil {
			e.decryption = DecryptionFailed
			return err
		}
		e.decryption = DecryptionPartial

	case e.known != nil:
		// Delta resume: the relay had nothing newer than our known snapshot.
		key := e.known.key
		if key == nil {
			var err error
			key, err = e.host.GetSnapshotKey(ctx, SnapshotKeyRequest{SnapshotID: e.known.entry.SnapshotID})
			if err != nil {
				e.decryption = DecryptionFailed
				return syncerr.Wrap(syncerr.CodeGeneric, fmt.Errorf("get snapshot key: %w", err))
			}
		}
		e.sess.active = &snapshotRef{entry: e.known.entry, key: key}
		e.sess.ledger.Reset(e.known.entry.SnapshotID, e.known.clocks)

	case len(m.Updates) > 0:
		e.decryption = DecryptionFailed
		return syncerr.New(syncerr.CodeSnapshotLineage, "document has updates but no snapshot")
	}

	for _, u := range m.Updates {
		if err := e.skipReplay(e.applyUpdate(ctx, u)); err != nil {
			return err
		}
	}

	e.decryption = DecryptionComplete
	e.sess.documentLoaded = true
	e.logger.Info("document loaded", "updates", len(m.Updates))
	e.maybeInitializeEphemeral()
	return nil
}

// verifyLineage checks that snap descends from base through chain. An
// empty chain only accepts base itself or a direct child.
func verifyLineage(base ir.SnapshotProofChainEntry, chain []ir.SnapshotProofChainEntry, snap ir.Snapshot) bool {
	current := proof.EntryFor(snap)
	if len(chain) == 0 {
		return base == current || proof.IsValidParent(base, snap.PublicData)
	}
	return proof.IsValidAncestor(base, chain, current)
}

// loadSnapshot verifies snap against base, applies it and makes it active.
func (e *Engine) loadSnapshot(ctx context.Context, snap ir.Snapshot, chain []ir.SnapshotProofChainEntry, base *ir.SnapshotProofChainEntry) error {
	pub := snap.PublicData

	if base != nil && !verifyLineage(*base, chain, snap) {
		return syncerr.New(syncerr.CodeSnapshotAncestor,
			fmt.Sprintf("snapshot %s does not descend from %s", pub.SnapshotID, base.SnapshotID))
	}

	key, err := e.host.GetSnapshotKey(ctx, SnapshotKeyRequest{SnapshotID: pub.SnapshotID, PublicData: &pub})
	if err != nil {
		return syncerr.Wrap(syncerr.CodeGeneric, fmt.Errorf("get snapshot key: %w", err))
	}

	content, err := snapshot.Verify(snap, snapshot.VerifyParams{Key: key, DocID: e.docID})
	if err != nil {
		return err
	}
	return e.applySnapshot(ctx, snap, key, content)
}

func (e *Engine) applySnapshot(ctx context.Context, snap ir.Snapshot, key, content []byte) error {
	pub := snap.PublicData
	if err := e.checkClient(ctx, pub.PubKey, syncerr.CodeSnapshotInvalidAuthor); err != nil {
		return err
	}
	if err := e.host.ApplySnapshot(ctx, content); err != nil {
		return syncerr.Wrap(syncerr.CodeGeneric, fmt.Errorf("apply snapshot: %w", err))
	}

	e.activate(snapshotRef{entry: proof.EntryFor(snap), key: key}, snap.ServerData)
	e.logger.Info("snapshot applied", "snapshot_id", pub.SnapshotID, "author", pub.PubKey)
	e.host.OnDocumentUpdated(DocumentUpdatedEvent{Kind: SnapshotReceived, SnapshotID: pub.SnapshotID})
	return nil
}

// activate makes ref the active snapshot and resets the clock ledger.
func (e *Engine) activate(ref snapshotRef, sd *ir.ServerData) {
	e.sess.active = &ref
	e.sess.ledger.Reset(ref.entry.SnapshotID, nil)
	e.updateServerVersion(sd)
}

// handleSnapshot applies a snapshot another client published on top of
// the active one.
func (e *Engine) handleSnapshot(ctx context.Context, m ir.SnapshotMessage) error {
	if !e.sess.documentLoaded {
		e.logger.Warn("snapshot before document, ignoring", "snapshot_id", m.Snapshot.PublicData.SnapshotID)
		return nil
	}

	pub := m.Snapshot.PublicData
	key, err := e.host.GetSnapshotKey(ctx, SnapshotKeyRequest{SnapshotID: pub.SnapshotID, PublicData: &pub})
	if err != nil {
		return syncerr.Wrap(syncerr.CodeGeneric, fmt.Errorf("get snapshot key: %w", err))
	}

	params := snapshot.VerifyParams{Key: key, DocID: e.docID}
	if a := e.sess.active; a != nil {
		parent := a.entry
		params.Parent = &parent
		if c, ok := e.sess.ledger.Lookup(a.entry.SnapshotID, e.pubKey); ok {
			params.CurrentClientPublicKey = e.pubKey
			params.ParentUpdateClock = &c
		}
	}

	content, err := snapshot.Verify(m.Snapshot, params)
	if err != nil {
		return err
	}
	if err := e.applySnapshot(ctx, m.Snapshot, key, content); err != nil {
		return err
	}
	e.maybeInitializeEphemeral()
	return nil
}

func (e *Engine) handleSnapshotSaved(m ir.SnapshotSavedMessage) error {
	inflight := e.sess.snapshotInFlight
	if inflight == nil || inflight.entry.SnapshotID != m.SnapshotID {
		return syncerr.New(syncerr.CodeSnapshotLineage,
			fmt.Sprintf("snapshot-saved for %s which is not in flight", m.SnapshotID))
	}

	e.sess.snapshotInFlight = nil
	e.activate(inflight.snapshotRef, m.ServerData)
	e.sess.snapshotSaveFailures = 0
	e.sess.forceSnapshot = false

	e.logger.Info("snapshot saved", "snapshot_id", m.SnapshotID)
	e.host.OnDocumentUpdated(DocumentUpdatedEvent{Kind: SnapshotSaved, SnapshotID: m.SnapshotID})
	e.maybeInitializeEphemeral()
	return nil
}

// handleSnapshotSaveFailed catches up with whatever the relay bundled and
// retries the snapshot, or reconnects once the retries are exhausted.
func (e *Engine) handleSnapshotSaveFailed(ctx context.Context, m ir.SnapshotSaveFailedMessage) error {
	inflight := e.sess.snapshotInFlight
	if inflight == nil {
		return syncerr.New(syncerr.CodeSnapshotLineage, "snapshot-save-failed without a snapshot in flight")
	}

	if m.Snapshot != nil {
		active := e.sess.active
		if active == nil || active.entry.SnapshotID != m.Snapshot.PublicData.SnapshotID {
			var base *ir.SnapshotProofChainEntry
			if active != nil {
				base = &active.entry
			}
			if err := e.loadSnapshot(ctx, *m.Snapshot, m.SnapshotProofChain, base); err != nil {
				return err
			}
		}
	}
	for _, u := range m.Updates {
		if err := e.skipReplay(e.applyUpdate(ctx, u)); err != nil {
			return err
		}
	}

	e.sess.snapshotSaveFailures++
	e.logger.Warn("snapshot save failed",
		"snapshot_id", inflight.entry.SnapshotID,
		"failures", e.sess.snapshotSaveFailures,
	)

	if e.sess.snapshotSaveFailures > e.maxSnapshotSaveFailures {
		e.errors.Add(syncerr.New(syncerr.CodeSnapshotSaveRetryExceeded,
			fmt.Sprintf("snapshot save failed %d times", e.sess.snapshotSaveFailures)))
		e.connectionLost()
		return nil
	}

	e.sess.snapshotInFlight = nil
	changes := append(inflight.changes, e.pending.DrainAll()...)
	return e.sendSnapshot(ctx, changes)
}

func (e *Engine) handleUpdateSaved(m ir.UpdateSavedMessage) error {
	idx := e.findUpdateInFlight(m.SnapshotID, m.Clock)
	if idx < 0 {
		e.logger.Debug("update-saved for unknown update", "snapshot_id", m.SnapshotID, "clock", m.Clock)
		return nil
	}

	remaining := e.sess.updatesInFlight[:0]
	for _, u := range e.sess.updatesInFlight {
		if u.refSnapshotID == m.SnapshotID && u.clock <= m.Clock {
			continue
		}
		remaining = append(remaining, u)
	}
	e.sess.updatesInFlight = remaining
	e.sess.ledger.Set(m.SnapshotID, e.pubKey, m.Clock)
	e.updateServerVersion(m.ServerData)

	e.logger.Debug("update saved", "snapshot_id", m.SnapshotID, "clock", m.Clock)
	e.host.OnDocumentUpdated(DocumentUpdatedEvent{Kind: UpdateSaved, SnapshotID: m.SnapshotID, Clock: m.Clock})
	return nil
}

// handleUpdateSaveFailed folds the failed update and every update sent
// after it back into the pending queue, so they are resent as one update
// at the next free clock, or as a snapshot when the relay requires one.
func (e *Engine) handleUpdateSaveFailed(m ir.UpdateSaveFailedMessage) error {
	idx := e.findUpdateInFlight(m.SnapshotID, m.Clock)
	if idx < 0 {
		e.logger.Debug("update-save-failed for unknown update", "snapshot_id", m.SnapshotID, "clock", m.Clock)
		return nil
	}

	var changes []Change
	for _, u := range e.sess.updatesInFlight[idx:] {
		changes = append(changes, u.changes...)
	}
	e.sess.updatesInFlight = e.sess.updatesInFlight[:idx]
	e.pending.PushFront(changes...)

	if m.RequiresNewSnapshot {
		e.sess.forceSnapshot = true
	}
	e.logger.Warn("update save failed",
		"snapshot_id", m.SnapshotID,
		"clock", m.Clock,
		"requires_new_snapshot", m.RequiresNewSnapshot,
	)
	return nil
}

func (e *Engine) findUpdateInFlight(snapshotID string, clock int64) int {
	for i, u := range e.sess.updatesInFlight {
		if u.refSnapshotID == snapshotID && u.clock == clock {
			return i
		}
	}
	return -1
}

// applyUpdate verifies u against the active snapshot and the author's
// clock, then applies its changes.
func (e *Engine) applyUpdate(ctx context.Context, u ir.Update) error {
	active := e.sess.active
	if active == nil {
		return syncerr.New(syncerr.CodeUpdateRefSnapshot, "no active snapshot")
	}
	pub := u.PublicData
	snapshotID := active.entry.SnapshotID

	key, err := e.host.GetUpdateKey(ctx, pub)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeGeneric, fmt.Errorf("get update key: %w", err))
	}

	content, err := update.Verify(u, update.VerifyParams{
		Key:                  key,
		DocID:                e.docID,
		CurrentRefSnapshotID: snapshotID,
		CurrentClock:         e.sess.ledger.Get(snapshotID, pub.PubKey),
	})
	if err != nil {
		return err
	}

	if err := e.checkClient(ctx, pub.PubKey, syncerr.CodeUpdateInvalidAuthor); err != nil {
		return err
	}

	changes, err := e.host.DeserializeChanges(content)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeGeneric, fmt.Errorf("deserialize changes: %w", err))
	}
	if err := e.host.ApplyChanges(ctx, changes); err != nil {
		return syncerr.Wrap(syncerr.CodeGeneric, fmt.Errorf("apply changes: %w", err))
	}

	e.sess.ledger.Set(snapshotID, pub.PubKey, pub.Clock)
	e.updateServerVersion(u.ServerData)
	e.host.OnDocumentUpdated(DocumentUpdatedEvent{Kind: UpdateReceived, SnapshotID: snapshotID, Clock: pub.Clock})
	return nil
}

// skipReplay swallows already-applied updates.
func (e *Engine) skipReplay(err error) error {
	if syncerr.Is(err, syncerr.CodeUpdateReplay) {
		e.logger.Debug("ignoring replayed update", "error", err)
		return nil
	}
	return err
}

func (e *Engine) checkClient(ctx context.Context, pubKey string, code syncerr.Code) error {
	ok, err := e.host.IsValidClient(ctx, pubKey)
	if err != nil {
		return syncerr.Wrap(code, err)
	}
	if !ok {
		return syncerr.New(code, fmt.Sprintf("%s is not a valid collaborator", pubKey))
	}
	return nil
}

func (e *Engine) updateServerVersion(sd *ir.ServerData) {
	if sd == nil {
		return
	}
	if cur := e.sess.latestServerVersion; cur == nil || sd.LatestVersion > *cur {
		v := sd.LatestVersion
		e.sess.latestServerVersion = &v
	}
}

func (e *Engine) handleCustom(ctx context.Context, ev incomingEvent) {
	if ev.gen != e.gen {
		return
	}
	m, ok := ev.msg.(ir.CustomMessage)
	if !ok {
		return
	}
	if err := e.host.OnCustomMessage(ctx, m.Payload); err != nil {
		e.logger.Warn("custom message handler failed", "error", err)
	}
}
