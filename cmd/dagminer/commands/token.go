package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/dagminer/internal/api"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for work injection",
	Long:  "Sign a control token with api.auth_secret. POST /api/v1/work requires it when the secret is set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, factory, err := setup()
		if err != nil {
			return err
		}
		defer factory.Sync()

		secret := manager.Get().API.AuthSecret
		if secret == "" {
			return errors.New("api.auth_secret is not set")
		}
		token, err := api.IssueToken(secret, tokenSubject, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "work-source", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime, 0 never expires")
	rootCmd.AddCommand(tokenCmd)
}
