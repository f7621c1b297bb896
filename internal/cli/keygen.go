package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/secsync/internal/crypto"
)

// KeyFile is the on-disk identity of one author for one document.
// Every field is base64url without padding.
type KeyFile struct {
	SigningSeed string `json:"signingSeed"`
	PublicKey   string `json:"publicKey"`
	DocumentKey string `json:"documentKey"`
}

// SigningKey derives the key pair from the stored seed.
func (k KeyFile) SigningKey() (crypto.SigningKeyPair, error) {
	seed, err := crypto.Decode(k.SigningSeed)
	if err != nil {
		return crypto.SigningKeyPair{}, fmt.Errorf("signing seed: %w", err)
	}
	kp, err := crypto.SigningKeyPairFromSeed(seed)
	if err != nil {
		return crypto.SigningKeyPair{}, err
	}
	if k.PublicKey != "" && kp.PublicKeyString() != k.PublicKey {
		return crypto.SigningKeyPair{}, errors.New("public key does not match signing seed")
	}
	return kp, nil
}

// Key decodes the document key.
func (k KeyFile) Key() ([]byte, error) {
	key, err := crypto.ParseKey(k.DocumentKey)
	if err != nil {
		return nil, fmt.Errorf("document key: %w", err)
	}
	return key, nil
}

// ReadKeyFile loads and checks a key file.
func ReadKeyFile(path string) (KeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KeyFile{}, fmt.Errorf("read key file: %w", err)
	}
	var kf KeyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return KeyFile{}, fmt.Errorf("parse key file %s: %w", path, err)
	}
	if _, err := kf.SigningKey(); err != nil {
		return KeyFile{}, fmt.Errorf("key file %s: %w", path, err)
	}
	if _, err := kf.Key(); err != nil {
		return KeyFile{}, fmt.Errorf("key file %s: %w", path, err)
	}
	return kf, nil
}

// GenerateKeyFile creates a fresh signing identity. When documentKey is
// empty a new document key is generated; pass an existing one to add an
// author to a shared document.
func GenerateKeyFile(documentKey string) (KeyFile, error) {
	seed, err := crypto.RandomBytes(32)
	if err != nil {
		return KeyFile{}, err
	}
	defer crypto.Zero(seed)

	kp, err := crypto.SigningKeyPairFromSeed(seed)
	if err != nil {
		return KeyFile{}, err
	}

	if documentKey == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return KeyFile{}, err
		}
		documentKey = crypto.Encode(key)
	} else if _, err := crypto.ParseKey(documentKey); err != nil {
		return KeyFile{}, fmt.Errorf("document key: %w", err)
	}

	return KeyFile{
		SigningSeed: crypto.Encode(seed),
		PublicKey:   kp.PublicKeyString(),
		DocumentKey: documentKey,
	}, nil
}

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Output      string
	DocumentKey string
	ShareFrom   string
}

// KeygenResult is printed after a key file is written.
type KeygenResult struct {
	Path      string `json:"path"`
	PublicKey string `json:"public_key"`
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing identity and document key",
		Long: `Generate an Ed25519 signing identity and a document key.

The key file is written with mode 0600. To let a second author edit the
same document, generate their identity with the first author's document
key via --share-from.

Examples:
  secsync keygen -o alice.json
  secsync keygen -o bob.json --share-from alice.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "key file to write (required)")
	cmd.Flags().StringVar(&opts.DocumentKey, "document-key", "", "existing base64url document key")
	cmd.Flags().StringVar(&opts.ShareFrom, "share-from", "", "copy the document key from this key file")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func runKeygen(opts *KeygenOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	docKey := opts.DocumentKey
	if opts.ShareFrom != "" {
		if docKey != "" {
			return NewExitError(ExitCommandError, "--document-key and --share-from are mutually exclusive")
		}
		src, err := ReadKeyFile(opts.ShareFrom)
		if err != nil {
			_ = formatter.Error(ErrCodeKeys, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to read key file", err)
		}
		docKey = src.DocumentKey
	}

	kf, err := GenerateKeyFile(docKey)
	if err != nil {
		_ = formatter.Error(ErrCodeKeys, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to generate keys", err)
	}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode key file", err)
	}
	if err := os.WriteFile(opts.Output, append(data, '\n'), 0o600); err != nil {
		_ = formatter.Error(ErrCodeWriteFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to write key file", err)
	}

	if opts.Format == "json" {
		return formatter.Success(KeygenResult{Path: opts.Output, PublicKey: kf.PublicKey})
	}
	fmt.Fprintf(formatter.Writer, "✓ Wrote %s\nPublic key: %s\n", opts.Output, kf.PublicKey)
	return nil
}
