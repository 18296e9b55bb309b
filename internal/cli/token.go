package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/goentitle/pkg/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		user string
		org  string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an HS256 API token signed with GOENTITLE_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(envFile(cmd))
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("GOENTITLE_JWT_SECRET is not set")
			}
			token, err := auth.IssueToken([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.Audience, user, org, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "acting user ID (token subject)")
	cmd.Flags().StringVar(&org, "org", "", "organization the user acts for")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
