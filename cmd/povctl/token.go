package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		secret   string
		ttl      time.Duration
		audience string
		issuer   string
	)
	cmd := &cobra.Command{
		Use:   "token <userId>",
		Short: "Sign an HS256 token for a server running with a shared secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = a.cfg.TokenSecret
			}
			if secret == "" {
				secret = os.Getenv("TEST_JWT_SECRET")
			}
			tok, err := signToken(args[0], secret, audience, issuer, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default token_secret or TEST_JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&audience, "audience", "", "aud claim")
	cmd.Flags().StringVar(&issuer, "issuer", "", "iss claim")
	return cmd
}

func signToken(userID, secret, audience, issuer string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("a signing secret is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
