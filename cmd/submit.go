package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixelproof/adcapture/internal/capture"
)

type submitOptions struct {
	serverURL string
	priority  string
	apiKey    string
}

func newSubmitCmd() *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit <records.json>",
		Short: "Submit a batch of ad records to a running capture service",
		Long: `Reads a JSON array of ad records from the given file and submits it
as one batch to a running adcapture server. Prints the batch ID on success.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.serverURL, "server", "http://localhost:8080", "base URL of the capture service")
	cmd.Flags().StringVar(&opts.priority, "priority", "normal", "batch priority: low, normal, high, critical")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "API key when the server requires authentication")
	return cmd
}

func runSubmit(cmd *cobra.Command, opts *submitOptions, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read records file: %w", err)
	}
	var records []capture.AdRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("parse records file: %w", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("records file is empty")
	}

	body, err := json.Marshal(map[string]any{
		"records":  records,
		"priority": opts.priority,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
		opts.serverURL+"/v1/batches", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if opts.apiKey != "" {
		req.Header.Set("X-API-Key", opts.apiKey)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("submit batch: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("server rejected batch: %s: %s", resp.Status, bytes.TrimSpace(payload))
	}

	var accepted struct {
		BatchID string `json:"batch_id"`
	}
	if err := json.Unmarshal(payload, &accepted); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), accepted.BatchID)
	return nil
}
