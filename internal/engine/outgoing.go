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

// processPending publishes every pending change, either as one update at
// the next clock or as a new snapshot. It reports whether it did any work.
//
// A snapshot is sent when there is no active snapshot, the relay asked for
// one, or the host wants one. It waits until every update in flight has
// been acknowledged so its parent clocks are final.
func (e *Engine) processPending(ctx context.Context) bool {
	if e.state != StateConnected || !e.sess.documentLoaded || e.sess.snapshotInFlight != nil {
		return false
	}
	if e.pending.Len() == 0 {
		return false
	}

	active := e.sess.active
	needSnapshot := active == nil || e.sess.forceSnapshot
	if !needSnapshot {
		needSnapshot = e.host.ShouldSendSnapshot(ShouldSendSnapshotParams{
			ActiveSnapshotID:    active.entry.SnapshotID,
			LatestServerVersion: e.sess.latestServerVersion,
		})
	}
	if needSnapshot && len(e.sess.updatesInFlight) > 0 {
		e.logger.Debug("snapshot waits for update acknowledgements", "in_flight", len(e.sess.updatesInFlight))
		return false
	}

	changes := e.pending.DrainAll()
	var err error
	if needSnapshot {
		err = e.sendSnapshot(ctx, changes)
	} else {
		err = e.sendUpdate(ctx, changes)
	}
	if err != nil {
		e.handleError(err)
	}
	return true
}

// sendSnapshot creates a snapshot on top of the active one and sends it.
// On failure the changes go back to the pending queue.
func (e *Engine) sendSnapshot(ctx context.Context, changes []Change) error {
	fail := func(err error) error {
		e.pending.PushFront(changes...)
		return syncerr.Wrap(syncerr.CodeSnapshotSendFailed, err)
	}

	data, err := e.host.GetNewSnapshotData(ctx)
	if err != nil {
		return fail(fmt.Errorf("get new snapshot data: %w", err))
	}
	id := data.SnapshotID
	if id == "" {
		id = e.ids.Generate()
	}

	params := snapshot.CreateParams{
		Content:    data.Data,
		PublicData: ir.SnapshotPublicData{DocID: e.docID, SnapshotID: id},
		Key:        data.Key,
		SigningKey: e.signer,
	}
	if a := e.sess.active; a != nil {
		params.PublicData.ParentSnapshotID = a.entry.SnapshotID
		params.PublicData.ParentSnapshotUpdateClocks = e.sess.ledger.Clocks(a.entry.SnapshotID)
		params.ParentSnapshotCiphertextHash = a.entry.SnapshotCiphertextHash
		params.GrandParentSnapshotProof = a.entry.ParentSnapshotProof
	}

	snap, err := snapshot.Create(params)
	if err != nil {
		return fail(err)
	}

	out := ir.OutboundSnapshot{Snapshot: snap}
	if v := e.sess.latestServerVersion; v != nil {
		version := *v
		out.LatestServerVersion = &version
	}
	if err := e.conn.Send(out); err != nil {
		e.transportSendFailed(syncerr.CodeSnapshotSendFailed, fmt.Errorf("send snapshot: %w", err), changes)
		return nil
	}

	e.sess.snapshotInFlight = &snapshotInFlight{
		snapshotRef: snapshotRef{entry: proof.EntryFor(snap), key: data.Key},
		changes:     changes,
	}
	e.logger.Info("snapshot sent",
		"snapshot_id", id,
		"parent_snapshot_id", params.PublicData.ParentSnapshotID,
		"changes", len(changes),
	)
	return nil
}

// sendUpdate publishes changes as one update at the next clock.
func (e *Engine) sendUpdate(ctx context.Context, changes []Change) error {
	fail := func(err error) error {
		e.pending.PushFront(changes...)
		return syncerr.Wrap(syncerr.CodeUpdateSendFailed, err)
	}

	active := e.sess.active
	snapshotID := active.entry.SnapshotID
	clock := e.nextClock()

	content, err := e.host.SerializeChanges(changes)
	if err != nil {
		return fail(fmt.Errorf("serialize changes: %w", err))
	}
	key, err := e.host.GetUpdateKey(ctx, ir.UpdatePublicData{
		DocID:         e.docID,
		PubKey:        e.pubKey,
		RefSnapshotID: snapshotID,
		Clock:         clock,
	})
	if err != nil {
		return fail(fmt.Errorf("get update key: %w", err))
	}

	u, err := update.Create(update.CreateParams{
		Content:       content,
		DocID:         e.docID,
		RefSnapshotID: snapshotID,
		Clock:         clock,
		Key:           key,
		SigningKey:    e.signer,
	})
	if err != nil {
		return fail(err)
	}
	if err := e.conn.Send(ir.OutboundUpdate{Update: u}); err != nil {
		e.transportSendFailed(syncerr.CodeUpdateSendFailed, fmt.Errorf("send update: %w", err), changes)
		return nil
	}

	e.sess.updatesInFlight = append(e.sess.updatesInFlight, updateInFlight{
		refSnapshotID: snapshotID,
		clock:         clock,
		changes:       changes,
	})
	e.logger.Debug("update sent", "snapshot_id", snapshotID, "clock", clock, "changes", len(changes))
	return nil
}

// transportSendFailed handles a message the connection refused. The error
// is recorded without failing the document: the changes go back to the
// pending queue and the engine reconnects.
func (e *Engine) transportSendFailed(code syncerr.Code, err error, changes []Change) {
	e.pending.PushFront(changes...)
	e.errors.Add(syncerr.Wrap(code, err))
	e.logger.Warn("send failed, reconnecting", "code", code.String(), "error", err)
	e.connectionLost()
}

// nextClock returns the clock for this client's next update on the active
// snapshot: one past the highest confirmed or in-flight clock.
func (e *Engine) nextClock() int64 {
	snapshotID := e.sess.active.entry.SnapshotID
	c := e.sess.ledger.Get(snapshotID, e.pubKey)
	for _, u := range e.sess.updatesInFlight {
		if u.refSnapshotID == snapshotID && u.clock > c {
			c = u.clock
		}
	}
	return c + 1
}
