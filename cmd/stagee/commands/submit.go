package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/plan"
)

var (
	submitKey    string
	submitServer string
	submitToken  string
)

// SubmitCmd posts a plan file to a running server.
var SubmitCmd = &cobra.Command{
	Use:   "submit <plan-file>",
	Short: "Submit a plan file (.json, .yaml, .toml)",
	Long: `Validate a plan file locally and submit it to a stagee server.

Submitting the same plan twice with the same --key returns the execution
recorded the first time.

Examples:
  stagee submit restart-nginx.yaml --key change-1234
  stagee submit plan.toml --server https://stagee.internal:8780 --token $TOKEN`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	SubmitCmd.Flags().StringVarP(&submitKey, "key", "k", "", "Idempotency key (default: derived from tenant, actor and plan)")
	SubmitCmd.Flags().StringVar(&submitServer, "server", "", "Server URL (default: from server.bind and server.port)")
	SubmitCmd.Flags().StringVar(&submitToken, "token", "", "Bearer token (default: $STAGEE_TOKEN)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	p, err := plan.ParseFile(args[0])
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	token := submitToken
	if token == "" {
		token = os.Getenv("STAGEE_TOKEN")
	}
	if token == "" {
		return errors.New("no bearer token: pass --token or set STAGEE_TOKEN")
	}
	base := submitServer
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", config.Server.Bind, config.Server.Port)
	}

	body, err := json.Marshal(map[string]interface{}{"plan": p, "idempotency_key": submitKey})
	if err != nil {
		return errors.Wrap(err, "failed to encode plan")
	}
	req, err := retryablehttp.NewRequestWithContext(cmd.Context(), http.MethodPost, strings.TrimRight(base, "/")+"/api/executions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if submitKey != "" {
		req.Header.Set("Idempotency-Key", submitKey)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to reach %s", base)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return errors.Newf("server answered %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode >= 300 {
		return errors.Newf("submission failed (%s): %v", resp.Status, out["error"])
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		pterm.Success.Printfln("Created execution %v", out["execution_id"])
	default:
		pterm.Info.Printfln("Idempotency key already recorded, execution %v", out["execution_id"])
	}
	pterm.Printfln("Status: %v", out["status"])
	if id, ok := out["approval_id"].(string); ok && id != "" {
		pterm.Warning.Printfln("Awaiting approval %s", id)
	}
	return nil
}
