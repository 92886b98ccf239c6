package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/auth"
)

var hashKeyArgon2 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an API key for auth.api_keys",
	Long: `Hash an API key for the auth.api_keys[].key_hash config field.

The default output is "sha256:<hex>". With --argon2id the output is an
Argon2id PHC string, which is slower to verify but resists offline
guessing if the config leaks.

Example:
  edunexia-authz hash-key "my-secret-api-key"
  # Output: sha256:7d5e8c...

The key will appear in shell history. Prefer:
  edunexia-authz hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if hashKeyArgon2 {
			h, err := auth.HashKeyArgon2id(args[0])
			if err != nil {
				return fmt.Errorf("hash key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sha256:%s\n", auth.HashKey(args[0]))
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeyArgon2, "argon2id", false, "emit an Argon2id hash instead of sha256")
	rootCmd.AddCommand(hashKeyCmd)
}
