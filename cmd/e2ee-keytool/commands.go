package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"nexus-chat/go-e2ee/internal/app"
	"nexus-chat/go-e2ee/internal/channel"
	"nexus-chat/go-e2ee/internal/config"
	"nexus-chat/go-e2ee/pkg/models"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	dataDir    string
	backend    string
	kdf        string
	userID     string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "e2ee-keytool",
		Short: "Manage end-to-end encryption identities and channels",
		Long: `e2ee-keytool operates on the local encryption key store: it creates
identities, establishes per-contact channels from published public keys,
and encrypts or decrypts single messages. Output is JSON on stdout.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to e2ee.yaml (optional)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "key store directory override")
	pf.StringVar(&flags.backend, "backend", "", "storage backend override: badger | memory")
	pf.StringVar(&flags.kdf, "kdf", "", "key derivation override: raw | hkdf-sha256")
	pf.StringVarP(&flags.userID, "user", "u", "", "local user id the command acts for")

	root.AddCommand(
		newInitCmd(flags),
		newFingerprintCmd(flags),
		newEstablishCmd(flags),
		newEncryptCmd(flags),
		newDecryptCmd(flags),
		newExportPhraseCmd(flags),
		newCloseCmd(flags),
		newResetCmd(flags),
		newVersionCmd(),
	)
	return root
}

func newInitCmd(flags *rootFlags) *cobra.Command {
	var phrase string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the identity key pair, or restore it from a recovery phrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, func(rt *app.Runtime, userID string) error {
				var opts []channel.InitOption
				if strings.TrimSpace(phrase) != "" {
					opts = append(opts, channel.WithRecoveryPhrase(phrase))
				}
				info, err := rt.Manager.InitializeEncryption(cmd.Context(), userID, opts...)
				if err != nil {
					return err
				}
				return writeJSON(cmd, info)
			})
		},
	}
	cmd.Flags().StringVar(&phrase, "recovery-phrase", "", "24-word phrase to restore an identity from")
	return cmd
}

func newFingerprintCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the public key and fingerprint of the identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, func(rt *app.Runtime, userID string) error {
				info, err := rt.Manager.Identity(cmd.Context(), userID)
				if err != nil {
					return err
				}
				return writeJSON(cmd, info)
			})
		},
	}
}

func newEstablishCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "establish <contact-id> <contact-public-key>",
		Short: "Derive and store the shared secret for a contact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, func(rt *app.Runtime, userID string) error {
				info, err := rt.Manager.EstablishSecureChannel(cmd.Context(), channel.Session{UserID: userID}, args[0], args[1])
				if err != nil {
					return err
				}
				return writeJSON(cmd, info)
			})
		},
	}
}

func newEncryptCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <contact-id> <message>",
		Short: "Encrypt one message for a contact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, func(rt *app.Runtime, userID string) error {
				env, err := rt.Manager.Seal(cmd.Context(), channel.Session{UserID: userID}, args[0], args[1])
				if err != nil {
					return err
				}
				return writeJSON(cmd, env)
			})
		},
	}
}

type decryptResult struct {
	Plaintext string `json:"plaintext"`
}

func newDecryptCmd(flags *rootFlags) *cobra.Command {
	var envelopeJSON string
	cmd := &cobra.Command{
		Use:   "decrypt <contact-id> [<encrypted> <iv>]",
		Short: "Decrypt one message from a contact",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envelopeFromArgs(args[1:], envelopeJSON)
			if err != nil {
				return err
			}
			return withRuntime(cmd, flags, func(rt *app.Runtime, userID string) error {
				plaintext, err := rt.Manager.Open(cmd.Context(), channel.Session{UserID: userID}, args[0], env)
				if err != nil {
					return fmt.Errorf("%s: %w", channel.Classify(err), err)
				}
				return writeJSON(cmd, decryptResult{Plaintext: plaintext})
			})
		},
	}
	cmd.Flags().StringVar(&envelopeJSON, "envelope", "", `envelope as JSON: {"encrypted":"...","iv":"..."}`)
	return cmd
}

type phraseResult struct {
	RecoveryPhrase string `json:"recovery_phrase"`
}

func newExportPhraseCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export-phrase",
		Short: "Print the recovery phrase of the identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, func(rt *app.Runtime, userID string) error {
				phrase, err := rt.Manager.ExportRecoveryPhrase(cmd.Context(), userID)
				if err != nil {
					return err
				}
				return writeJSON(cmd, phraseResult{RecoveryPhrase: phrase})
			})
		},
	}
}

type statusResult struct {
	Status string `json:"status"`
}

func newCloseCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "close <contact-id>",
		Short: "Forget the shared secret for a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, flags, func(rt *app.Runtime, userID string) error {
				if err := rt.Manager.CloseChannel(cmd.Context(), channel.Session{UserID: userID}, args[0]); err != nil {
					return err
				}
				return writeJSON(cmd, statusResult{Status: "closed"})
			})
		},
	}
}

func newResetCmd(flags *rootFlags) *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the identity and every channel it owns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return errors.New("reset destroys the identity key; pass --yes to confirm")
			}
			return withRuntime(cmd, flags, func(rt *app.Runtime, userID string) error {
				if err := rt.Manager.ResetIdentity(cmd.Context(), userID); err != nil {
					return err
				}
				return writeJSON(cmd, statusResult{Status: "reset"})
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the reset")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(cmd, map[string]string{
				"version":    version,
				"commit":     commit,
				"build_date": buildDate,
			})
		},
	}
}

func withRuntime(cmd *cobra.Command, flags *rootFlags, fn func(rt *app.Runtime, userID string) error) error {
	userID := strings.TrimSpace(flags.userID)
	if userID == "" {
		return errors.New("--user is required")
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	rt, err := app.New(cfg, app.WithLogOutput(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt, userID)
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	var override config.FileConfig
	override.Storage.Backend = flags.backend
	override.Storage.DataDir = flags.dataDir
	override.Crypto.KDF = flags.kdf
	if err := config.Merge(&cfg, override); err != nil {
		return config.Config{}, err
	}
	return cfg, cfg.Validate()
}

func envelopeFromArgs(args []string, envelopeJSON string) (models.Envelope, error) {
	switch {
	case strings.TrimSpace(envelopeJSON) != "" && len(args) == 0:
		var env models.Envelope
		if err := json.Unmarshal([]byte(envelopeJSON), &env); err != nil {
			return models.Envelope{}, fmt.Errorf("parse --envelope: %w", err)
		}
		return env, nil
	case len(args) == 2 && envelopeJSON == "":
		return models.Envelope{Encrypted: args[0], IV: args[1]}, nil
	default:
		return models.Envelope{}, errors.New("pass either <encrypted> <iv> or --envelope")
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
