package commands

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/provider"
	"github.com/rogersg17/demoApp-sub002/version"
	"github.com/rogersg17/demoApp-sub002/webhook"
)

// WebhookCmd groups webhook tooling
var WebhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Sign and send webhook payloads",
	Long: `Tools for exercising the webhook gateway by hand.

Examples:
  testorch webhook sign --provider generic -f shard.json
  testorch webhook sign --provider github -f run.json --send`,
}

var webhookSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print the signature headers for a payload, optionally sending it",
	Args:  cobra.NoArgs,
	RunE:  runWebhookSign,
}

var (
	webhookProvider string
	webhookSecret   string
	webhookFile     string
	webhookSend     bool
	webhookServer   string
)

func init() {
	webhookSignCmd.Flags().StringVar(&webhookProvider, "provider", "generic", "Provider whose signature scheme to use")
	webhookSignCmd.Flags().StringVar(&webhookSecret, "secret", "", "Shared secret (default webhooks.providers.<provider>.secret)")
	webhookSignCmd.Flags().StringVarP(&webhookFile, "file", "f", "", "Payload file, - for stdin")
	webhookSignCmd.Flags().BoolVar(&webhookSend, "send", false, "POST the signed payload to the server")
	webhookSignCmd.Flags().StringVar(&webhookServer, "server", "", "Server URL (default from TESTORCH_SERVER or config)")
	_ = webhookSignCmd.MarkFlagRequired("file")

	WebhookCmd.AddCommand(webhookSignCmd)
}

func readPayload(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return data, nil
}

// signedRequest builds the delivery a provider would send for body
func signedRequest(base, name string, secret, body []byte, at time.Time) (*http.Request, error) {
	adapter, err := provider.Default().Lookup(name)
	if err != nil {
		return nil, err
	}
	scheme := adapter.Scheme()
	ts, sig := webhook.Sign(scheme, secret, at, body)

	req, err := http.NewRequest(http.MethodPost, base+"/webhooks/"+name, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set(scheme.TimestampHeader, ts)
	req.Header.Set(scheme.Header, sig)
	return req, nil
}

func runWebhookSign(cmd *cobra.Command, args []string) error {
	secret := webhookSecret
	if secret == "" {
		cfg, err := am.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		secret = cfg.Webhooks.Providers[webhookProvider].Secret
	}
	if secret == "" {
		return errors.NewInvalidRequestError("no secret for provider %s (--secret or webhooks.providers.%s.secret)", webhookProvider, webhookProvider)
	}

	body, err := readPayload(webhookFile)
	if err != nil {
		return err
	}

	req, err := signedRequest(serverURL(webhookServer), webhookProvider, []byte(secret), body, time.Now())
	if err != nil {
		return err
	}

	if !webhookSend {
		adapter, _ := provider.Default().Lookup(webhookProvider)
		scheme := adapter.Scheme()
		fmt.Printf("%s: %s\n", scheme.TimestampHeader, req.Header.Get(scheme.TimestampHeader))
		fmt.Printf("%s: %s\n", scheme.Header, req.Header.Get(scheme.Header))
		return nil
	}

	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Do(req.WithContext(cmd.Context()))
	if err != nil {
		return errors.Wrapf(errors.ErrServiceUnavailable, "cannot reach %s: %v", req.URL.Host, err)
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 300 {
		pterm.Error.Printf("%s %s\n", resp.Status, bytes.TrimSpace(reply))
		return errors.Newf("webhook rejected with %d", resp.StatusCode)
	}
	pterm.Success.Printf("%s %s\n", resp.Status, bytes.TrimSpace(reply))
	return nil
}
