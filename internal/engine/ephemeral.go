package engine

import (
	"context"
	"fmt"

	"github.com/roach88/secsync/internal/ephemeral"
	"github.com/roach88/secsync/internal/ir"
	"github.com/roach88/secsync/internal/syncerr"
)

// ephemeralSession returns the session of the current connection, creating
// it on first use. A failed creation is recorded and retried on the next
// call.
func (e *Engine) ephemeralSession() *ephemeral.Session {
	if e.sess.ephemeral != nil || e.state != StateConnected {
		return e.sess.ephemeral
	}
	sess, err := e.newEphemeralSession()
	if err != nil {
		e.recordEphemeralError(syncerr.Wrap(syncerr.CodeEphemeralSendFailed,
			fmt.Errorf("create ephemeral session: %w", err)))
		return nil
	}
	e.sess.ephemeral = sess
	return sess
}

// maybeInitializeEphemeral announces this connection's session once a
// snapshot key is available to encrypt with.
func (e *Engine) maybeInitializeEphemeral() {
	if e.sess.ephemeralInitialized || e.sess.active == nil || e.ephemeralSession() == nil {
		return
	}
	e.sess.ephemeralInitialized = true
	e.sendEphemeral(ephemeral.Outgoing{Type: ephemeral.TypeInitialize})
}

func (e *Engine) sendEphemeral(out ephemeral.Outgoing) {
	if e.state != StateConnected || e.conn == nil || e.sess.active == nil || e.ephemeralSession() == nil {
		e.logger.Debug("dropping ephemeral message: no active session", "type", out.Type.String())
		return
	}

	msg, err := e.sess.ephemeral.Seal(out, e.docID, e.sess.active.key, e.signer)
	if err != nil {
		e.recordEphemeralError(syncerr.Wrap(syncerr.CodeEphemeralSendFailed, err))
		return
	}
	if err := e.conn.Send(ir.OutboundEphemeralMessage{Message: msg}); err != nil {
		e.recordEphemeralError(syncerr.Wrap(syncerr.CodeEphemeralSendFailed, err))
	}
}

// handleEphemeral verifies an ephemeral message and advances the session
// handshake. Failures are recorded but never end the connection.
func (e *Engine) handleEphemeral(ctx context.Context, msg ir.EphemeralMessage) {
	if e.sess.active == nil || e.ephemeralSession() == nil {
		e.logger.Debug("ignoring ephemeral message: no active session")
		return
	}

	payload, err := ephemeral.Open(msg, e.sess.active.key, e.docID)
	if err != nil {
		e.recordEphemeralError(err)
		return
	}

	ok, err := e.host.IsValidClient(ctx, payload.Author)
	if err != nil {
		e.recordEphemeralError(syncerr.Wrap(syncerr.CodeEphemeralCallback, err))
		return
	}
	if !ok {
		e.recordEphemeralError(syncerr.New(syncerr.CodeEphemeralInvalidClient,
			fmt.Sprintf("%s is not a valid collaborator", payload.Author)))
		return
	}

	res, err := e.sess.ephemeral.Handle(payload, e.signer)
	if err != nil {
		e.recordEphemeralError(err)
		return
	}
	if res.Reply != nil {
		e.sendEphemeral(*res.Reply)
	}
	if res.Content != nil {
		if err := e.host.ApplyEphemeralMessage(ctx, res.Content, payload.Author); err != nil {
			e.recordEphemeralError(syncerr.Wrap(syncerr.CodeEphemeralCallback, err))
		}
	}
}

func (e *Engine) recordEphemeralError(err error) {
	e.ephemeralErrors.Add(err)
	e.logger.Warn("ephemeral message error", "code", syncerr.CodeOf(err).String(), "error", err)
}
