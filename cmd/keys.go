package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Open-Paws/privatemode-proxy/pkg/config"
	"github.com/Open-Paws/privatemode-proxy/pkg/keystore"
)

var (
	keysFilePath      string
	keysGenName       string
	keysGenExpireDays int
	keysGenRateLimit  int
)

func init() {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys offline",
	}
	keysCmd.PersistentFlags().StringVar(&keysFilePath, "keys-file", "", "API keys file path (defaults to API_KEYS_FILE)")

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new API key and add it to the keys file",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := keystore.Open(resolveKeysFile())
			if err != nil {
				return fmt.Errorf("open keys file: %w", err)
			}
			rec := keystore.Record{
				KeyID:       keystore.NewKeyID(),
				Secret:      keystore.GenerateSecret(),
				DisplayName: keysGenName,
				CreatedAt:   time.Now().UTC(),
				RateLimit:   keysGenRateLimit,
				Enabled:     true,
			}
			if keysGenExpireDays > 0 {
				exp := rec.CreatedAt.AddDate(0, 0, keysGenExpireDays)
				rec.ExpiresAt = &exp
			}
			if err := store.Upsert(rec); err != nil {
				return fmt.Errorf("save key: %w", err)
			}
			out, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			fmt.Fprintln(cmd.ErrOrStderr(), "store the key now, it is not shown again")
			return nil
		},
	}
	generateCmd.Flags().StringVar(&keysGenName, "name", "", "Display name for the key")
	generateCmd.Flags().IntVar(&keysGenExpireDays, "expires-in-days", 0, "Expire the key after this many days (0 = never)")
	generateCmd.Flags().IntVar(&keysGenRateLimit, "rate-limit", 0, "Per-key requests per window (-1 = unlimited, 0 = service default)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List keys with redacted secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := keystore.Open(resolveKeysFile())
			if err != nil {
				return fmt.Errorf("open keys file: %w", err)
			}
			for _, rec := range store.List() {
				state := "enabled"
				if !rec.Enabled {
					state = "disabled"
				}
				expiry := "never"
				if rec.ExpiresAt != nil {
					expiry = rec.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\texpires=%s\n",
					rec.KeyID, rec.RedactedSecret(), rec.DisplayName, state, expiry)
			}
			return nil
		},
	}

	keysCmd.AddCommand(generateCmd, listCmd)
	rootCmd.AddCommand(keysCmd)
}

func resolveKeysFile() string {
	if keysFilePath != "" {
		return keysFilePath
	}
	return config.FromEnv().KeysFile
}
