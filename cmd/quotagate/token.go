package main

import (
	"fmt"

	"github.com/artpar/quotagate/adapters/hasher"
	"github.com/spf13/cobra"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token [token]",
	Short: "Hash an admin token for admin.token_hash",
	Long: `Hash an admin bearer token with bcrypt.

Without an argument a random token is generated. Put the hash into
admin.token_hash (or QUOTAGATE_ADMIN_TOKEN_HASH) and give the token to
operators.

Examples:
  quotagate hash-token
  quotagate hash-token "my-long-admin-token"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHashToken,
}

func init() {
	rootCmd.AddCommand(hashTokenCmd)
}

func runHashToken(cmd *cobra.Command, args []string) error {
	var token string
	if len(args) == 1 {
		token = args[0]
	} else {
		generated, err := hasher.GenerateToken()
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		token = generated
	}

	hash, err := hasher.NewBcrypt(0).Hash(token)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		fmt.Fprintf(out, "Token: %s\n", token)
	}
	fmt.Fprintf(out, "Hash:  %s\n", hash)
	return nil
}
