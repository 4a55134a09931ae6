package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jonathan/robopost/internal/config"
	"github.com/jonathan/robopost/internal/signature"
	"github.com/spf13/cobra"
)

var (
	signSecret string
	signHeader bool
)

var signCmd = &cobra.Command{
	Use:   "sign [file]",
	Short: "Sign a callback body with the webhook secret",
	Long: `Print the HMAC-SHA256 signature of a request body, read from a file or stdin.
Useful for replaying engine callbacks by hand:

  robopost sign body.json --header | xargs -I{} curl -H {} -d @body.json $APP_URL/api/webhooks/callback`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSign,
}

func init() {
	signCmd.Flags().StringVar(&signSecret, "secret", "", "Shared secret (defaults to N8N_WEBHOOK_SECRET)")
	signCmd.Flags().BoolVar(&signHeader, "header", false, "Print a complete header line instead of the bare signature")
	rootCmd.AddCommand(signCmd)
}

func runSign(cmd *cobra.Command, args []string) error {
	secret := signSecret
	if secret == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		secret = cfg.Webhook.Secret
	}
	if secret == "" {
		return fmt.Errorf("a secret is required: set N8N_WEBHOOK_SECRET or pass --secret")
	}

	var (
		body []byte
		err  error
	)
	if len(args) == 1 && args[0] != "-" {
		body, err = os.ReadFile(args[0])
	} else {
		body, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}

	sig := signature.Sign(body, secret)
	if signHeader {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", signature.HeaderN8N, sig)
		return nil
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), sig)
	return nil
}
