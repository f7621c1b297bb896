package cli

import (
	"context"
	"fmt"
	"maps"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/secsync/internal/crypto"
	"github.com/roach88/secsync/internal/ir"
	"github.com/roach88/secsync/internal/proof"
	"github.com/roach88/secsync/internal/store"
	"github.com/roach88/secsync/internal/textdoc"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database string
	KeyFile  string
	ShowText bool
}

// SnapshotReport describes one stored snapshot and its updates.
type SnapshotReport struct {
	SnapshotID   string           `json:"snapshot_id"`
	Version      int64            `json:"version"`
	Author       string           `json:"author"`
	ParentID     string           `json:"parent_id,omitempty"`
	Updates      int              `json:"updates"`
	UpdateClocks map[string]int64 `json:"update_clocks"`
	Problems     []string         `json:"problems,omitempty"`
}

// InspectResult is the verified lineage of a document.
type InspectResult struct {
	LatestVersion int64            `json:"latest_version"`
	Snapshots     []SnapshotReport `json:"snapshots"`
	Valid         bool             `json:"valid"`
	Text          *string          `json:"text,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <document-id>",
		Short: "Verify a document's stored lineage",
		Long: `Walk every snapshot the relay stored for a document and verify it:

- snapshot and update signatures
- the parent snapshot proof chain from the root snapshot
- parent update clocks against the updates stored on the parent
- update clocks start at 0 and grow by one per author

With --keys the snapshots and updates are also decrypted, and --text
prints the current document.

Exit codes:
  0 - Lineage verified
  1 - Verification failed
  2 - Command error (database or document not found, bad key file)

Examples:
  secsync inspect notes --db ./relay.db
  secsync inspect notes --db ./relay.db --keys alice.json --text
  secsync inspect notes --db ./relay.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVarP(&opts.KeyFile, "keys", "k", "", "key file used to decrypt")
	cmd.Flags().BoolVar(&opts.ShowText, "text", false, "print the decrypted document (requires --keys)")

	return cmd
}

func runInspect(opts *InspectOptions, docID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	formatter.DocumentID = docID

	dbPath := opts.Database
	if dbPath == "" {
		dbPath = opts.Config.Relay.Database
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("database not found: %s", dbPath), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", dbPath))
	}
	if opts.ShowText && opts.KeyFile == "" {
		return NewExitError(ExitCommandError, "--text requires --keys")
	}

	var key []byte
	if opts.KeyFile != "" {
		kf, err := ReadKeyFile(opts.KeyFile)
		if err != nil {
			_ = formatter.Error(ErrCodeKeys, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to read key file", err)
		}
		if key, err = kf.Key(); err != nil {
			_ = formatter.Error(ErrCodeKeys, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to read key file", err)
		}
	}

	st, err := store.Open(dbPath)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	exists, err := st.DocumentExists(ctx, docID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read document", err)
	}
	if !exists {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("document not found: %s", docID), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("document not found: %s", docID))
	}

	result, err := inspectDocument(ctx, st, docID, key, opts.ShowText)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to inspect document", err)
	}

	if err := outputInspect(formatter, result); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "document lineage failed verification")
	}
	return nil
}

// inspectDocument verifies the stored lineage of docID. A nil key skips
// decryption.
func inspectDocument(ctx context.Context, st *store.Store, docID string, key []byte, withText bool) (*InspectResult, error) {
	latest, err := st.LatestVersion(ctx, docID)
	if err != nil {
		return nil, err
	}
	snapshots, err := st.ReadSnapshots(ctx, docID)
	if err != nil {
		return nil, err
	}

	result := &InspectResult{LatestVersion: latest, Snapshots: []SnapshotReport{}, Valid: true}
	var doc *textdoc.Doc

	var prev *ir.Snapshot
	var prevClocks map[string]int64
	for i := range snapshots {
		snap := snapshots[i]
		pub := snap.PublicData

		report := SnapshotReport{
			SnapshotID: pub.SnapshotID,
			Author:     pub.PubKey,
			ParentID:   pub.ParentSnapshotID,
		}
		if snap.ServerData != nil {
			report.Version = snap.ServerData.LatestVersion
		}

		report.Problems = append(report.Problems, checkSnapshot(snap, docID, prev, prevClocks)...)

		var content []byte
		if key != nil {
			content, err = crypto.Decrypt(key, snap.Ciphertext, snap.Nonce, ir.AdditionalData(pub.ToIR()))
			if err != nil {
				report.Problems = append(report.Problems, "snapshot does not decrypt")
			}
		}

		updates, err := st.ReadUpdates(ctx, pub.SnapshotID, nil)
		if err != nil {
			return nil, err
		}
		clocks, err := st.UpdateClocks(ctx, pub.SnapshotID)
		if err != nil {
			return nil, err
		}
		report.Updates = len(updates)
		report.UpdateClocks = clocks

		problems, updateContents := checkUpdates(updates, docID, pub.SnapshotID, key)
		report.Problems = append(report.Problems, problems...)

		if withText && i == len(snapshots)-1 && content != nil {
			doc, err = replayText(ctx, key, content, updateContents)
			if err != nil {
				report.Problems = append(report.Problems, err.Error())
			}
		}

		if len(report.Problems) > 0 {
			result.Valid = false
		}
		result.Snapshots = append(result.Snapshots, report)
		prev = &snapshots[i]
		prevClocks = clocks
	}

	if doc != nil {
		text := doc.Text()
		result.Text = &text
	}
	return result, nil
}

// checkSnapshot verifies the signature, document and lineage of snap.
func checkSnapshot(snap ir.Snapshot, docID string, parent *ir.Snapshot, parentClocks map[string]int64) []string {
	var problems []string
	pub := snap.PublicData

	if !crypto.Verify(pub.PubKey, crypto.DomainSnapshot, ir.SigningPayload(snap.Ciphertext, snap.Nonce, pub.ToIR()), snap.Signature) {
		problems = append(problems, "invalid snapshot signature")
	}
	if pub.DocID != docID {
		problems = append(problems, fmt.Sprintf("snapshot belongs to document %q", pub.DocID))
	}

	if parent == nil {
		if pub.ParentSnapshotID != "" || pub.ParentSnapshotProof != proof.RootProof() {
			problems = append(problems, "first snapshot is not a root snapshot")
		}
		return problems
	}

	if pub.ParentSnapshotID != parent.PublicData.SnapshotID {
		problems = append(problems, fmt.Sprintf("parent is %q, expected %q", pub.ParentSnapshotID, parent.PublicData.SnapshotID))
	} else if !proof.IsValidParent(proof.EntryFor(*parent), pub) {
		problems = append(problems, "parent snapshot proof does not match")
	}
	if !maps.Equal(pub.ParentSnapshotUpdateClocks, parentClocks) {
		problems = append(problems, "parent update clocks do not match stored updates")
	}
	return problems
}

// checkUpdates verifies update signatures and clock succession, and
// decrypts the updates when key is set.
func checkUpdates(updates []ir.Update, docID, snapshotID string, key []byte) ([]string, [][]byte) {
	var problems []string
	var contents [][]byte
	clocks := map[string]int64{}

	for _, u := range updates {
		pub := u.PublicData
		label := fmt.Sprintf("update %s/%d", shortKey(pub.PubKey), pub.Clock)

		if !crypto.Verify(pub.PubKey, crypto.DomainUpdate, ir.SigningPayload(u.Ciphertext, u.Nonce, pub.ToIR()), u.Signature) {
			problems = append(problems, label+": invalid signature")
		}
		if pub.DocID != docID || pub.RefSnapshotID != snapshotID {
			problems = append(problems, label+": wrong document or snapshot")
		}

		want := int64(0)
		if c, ok := clocks[pub.PubKey]; ok {
			want = c + 1
		}
		if pub.Clock != want {
			problems = append(problems, fmt.Sprintf("%s: expected clock %d", label, want))
		}
		clocks[pub.PubKey] = pub.Clock

		if key == nil {
			continue
		}
		content, err := crypto.Decrypt(key, u.Ciphertext, u.Nonce, ir.AdditionalData(pub.ToIR()))
		if err != nil {
			problems = append(problems, label+": does not decrypt")
			continue
		}
		contents = append(contents, content)
	}
	return problems, contents
}

// replayText rebuilds the text document from a snapshot and its updates.
func replayText(ctx context.Context, key, snapshotContent []byte, updates [][]byte) (*textdoc.Doc, error) {
	doc := textdoc.New("inspect", key)
	if err := doc.ApplySnapshot(ctx, snapshotContent); err != nil {
		return nil, fmt.Errorf("document content: %w", err)
	}
	for _, data := range updates {
		changes, err := doc.DeserializeChanges(data)
		if err != nil {
			return nil, fmt.Errorf("document content: %w", err)
		}
		if err := doc.ApplyChanges(ctx, changes); err != nil {
			return nil, fmt.Errorf("document content: %w", err)
		}
	}
	return doc, nil
}

func outputInspect(formatter *OutputFormatter, result *InspectResult) error {
	if formatter.Format == "json" {
		if !result.Valid {
			return formatter.Error(ErrCodeChainBroken, "document lineage failed verification", result)
		}
		return formatter.Success(result)
	}

	w := formatter.Writer
	if result.Valid {
		fmt.Fprintf(w, "✓ %d snapshot(s) verified (server version %d)\n\n", len(result.Snapshots), result.LatestVersion)
	} else {
		fmt.Fprintf(w, "✗ Lineage verification failed (server version %d)\n\n", result.LatestVersion)
	}

	for _, s := range result.Snapshots {
		parent := s.ParentID
		if parent == "" {
			parent = "root"
		}
		fmt.Fprintf(w, "  %s  v%d  by %s  parent %s  %d update(s)\n",
			s.SnapshotID, s.Version, shortKey(s.Author), parent, s.Updates)
		authors := make([]string, 0, len(s.UpdateClocks))
		for a := range s.UpdateClocks {
			authors = append(authors, a)
		}
		sort.Strings(authors)
		for _, a := range authors {
			formatter.VerboseLog("    %s clock %d", shortKey(a), s.UpdateClocks[a])
		}
		for _, p := range s.Problems {
			fmt.Fprintf(w, "    ✗ %s\n", p)
		}
	}

	if result.Text != nil {
		fmt.Fprintf(w, "\n%s\n", *result.Text)
	}
	return nil
}
