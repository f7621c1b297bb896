package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/secsync/internal/engine"
	"github.com/roach88/secsync/internal/textdoc"
	"github.com/roach88/secsync/internal/transport"
)

// ephemeralPrefix marks an input line that is broadcast as an ephemeral
// message instead of being appended to the document.
const ephemeralPrefix = "/say "

// EditOptions holds flags for the edit command.
type EditOptions struct {
	*RootOptions
	KeyFile       string
	URL           string
	SnapshotEvery int
	FlushTimeout  time.Duration
	Allowed       []string
}

// EditResult summarizes an edit session.
type EditResult struct {
	SnapshotID string   `json:"snapshot_id"`
	Lines      []string `json:"lines"`
	State      string   `json:"state"`
}

// NewEditCommand creates the edit command.
func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "edit <document-id>",
		Short: "Append lines to a shared document",
		Long: `Open an end-to-end encrypted text document and append every line read
from stdin. Lines written by other authors are printed as they arrive.
A line starting with "/say " is sent as an ephemeral message to the
other open sessions instead of being appended.

The command exits once stdin is closed and every line was saved by the
relay, or after --flush-timeout.

Examples:
  echo "hello" | secsync edit notes --keys alice.json
  secsync edit notes --keys bob.json --url ws://relay:8080 --snapshot-every 50`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.KeyFile, "keys", "k", "", "key file written by keygen (required)")
	cmd.Flags().StringVar(&opts.URL, "url", "", "relay URL (default from config)")
	cmd.Flags().IntVar(&opts.SnapshotEvery, "snapshot-every", 20, "publish a snapshot after this many updates (0 never)")
	cmd.Flags().DurationVar(&opts.FlushTimeout, "flush-timeout", 10*time.Second, "how long to wait for unsaved lines after stdin closes")
	cmd.Flags().StringSliceVar(&opts.Allowed, "allow", nil, "public keys allowed to author (default any)")
	_ = cmd.MarkFlagRequired("keys")

	return cmd
}

func runEdit(opts *EditOptions, docID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	formatter.DocumentID = docID
	logger := opts.Logger.With("document_id", docID)

	kf, err := ReadKeyFile(opts.KeyFile)
	if err != nil {
		_ = formatter.Error(ErrCodeKeys, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read key file", err)
	}
	signer, _ := kf.SigningKey()
	key, _ := kf.Key()

	clientCfg := opts.Config.Client
	if opts.URL != "" {
		clientCfg.URL = opts.URL
	}

	out := &lockedWriter{w: formatter.Writer}
	docOpts := []textdoc.Option{
		textdoc.WithSnapshotEvery(opts.SnapshotEvery),
		textdoc.WithLogger(logger),
		textdoc.WithOnLine(func(l textdoc.Line) {
			if opts.Format == "text" {
				out.printf("%s: %s\n", shortKey(l.ID.PeerID), l.Text)
			}
		}),
		textdoc.WithOnEphemeral(func(author string, content []byte) {
			if opts.Format == "text" {
				out.printf("* %s %s\n", shortKey(author), content)
			}
		}),
	}
	if len(opts.Allowed) > 0 {
		docOpts = append(docOpts, textdoc.WithAllowedClients(append(opts.Allowed, kf.PublicKey)...))
	}
	doc := textdoc.New(kf.PublicKey, key, docOpts...)

	tr := transport.New(clientCfg.URL,
		transport.WithWriteTimeout(time.Duration(clientCfg.WriteTimeout)),
		transport.WithPingInterval(time.Duration(clientCfg.PingInterval)),
		transport.WithLogger(logger),
	)

	eng, err := engine.New(engine.Config{
		DocumentID: docID,
		SigningKey: signer,
		Host:       doc,
		Transport:  tr,
	},
		engine.WithLogger(opts.Logger),
		engine.WithRetryPolicy(clientCfg.RetryPolicy()),
		engine.WithMaxSnapshotSaveFailures(clientCfg.MaxSnapshotSaveFailures),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(ctx)
	}()
	eng.Connect()

	readLines(cmd.InOrStdin(), func(line string) {
		if msg, ok := strings.CutPrefix(line, ephemeralPrefix); ok {
			eng.SendEphemeralMessage([]byte(msg))
			return
		}
		eng.AddChanges(doc.Append(line))
	})
	formatter.VerboseLog("stdin closed, waiting for the relay to save pending lines")

	st := waitFlushed(ctx, eng, opts.FlushTimeout)
	eng.Disconnect()
	cancel()
	<-runDone

	result := EditResult{
		SnapshotID: doc.ActiveSnapshotID(),
		Lines:      lineTexts(doc.Lines()),
		State:      string(st.State),
	}

	if st.State.Terminal() {
		msg := fmt.Sprintf("sync stopped in state %s", st.State)
		_ = formatter.Error(ErrCodeSync, msg, errorStrings(st.Errors))
		return NewExitError(ExitFailure, msg)
	}
	if !flushed(st) {
		msg := fmt.Sprintf("%d line(s) not saved before timeout", st.PendingChanges+st.UpdatesInFlight)
		if !st.DocumentLoaded {
			msg = "document not loaded before timeout"
		}
		_ = formatter.Error(ErrCodeSync, msg, nil)
		return NewExitError(ExitFailure, msg)
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	formatter.VerboseLog("saved on snapshot %s (%d line(s))", result.SnapshotID, len(result.Lines))
	return nil
}

func readLines(r io.Reader, f func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			f(line)
		}
	}
}

// waitFlushed polls the engine until nothing is pending or in flight, the
// engine can no longer sync, or timeout passes.
func waitFlushed(ctx context.Context, eng *engine.Engine, timeout time.Duration) engine.Status {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	// Require two quiet polls in a row so changes queued just before the
	// first poll are counted.
	quiet := 0
	for {
		st := eng.Status()
		if st.State.Terminal() {
			return st
		}
		if flushed(st) {
			quiet++
			if quiet == 2 {
				return st
			}
		} else {
			quiet = 0
		}

		select {
		case <-ctx.Done():
			return eng.Status()
		case <-deadline.C:
			return eng.Status()
		case <-tick.C:
		}
	}
}

func flushed(st engine.Status) bool {
	return st.DocumentLoaded &&
		st.PendingChanges == 0 &&
		st.UpdatesInFlight == 0 &&
		st.SnapshotInFlightID == ""
}

func lineTexts(lines []textdoc.Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func errorStrings(errs []error) []string {
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}

func shortKey(pubKey string) string {
	if len(pubKey) > 8 {
		return pubKey[:8]
	}
	return pubKey
}

// lockedWriter serializes output from engine callbacks.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}
