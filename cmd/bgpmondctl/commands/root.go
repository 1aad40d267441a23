// Package commands implements the bgpmondctl CLI: "show" commands over
// the daemon's HTTP status API plus an interactive shell.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverAddr is the daemon status API address (host:port).
	serverAddr string

	// outputFormat controls command output (table or json).
	outputFormat string

	// httpClient is shared by all commands.
	httpClient = &http.Client{Timeout: 10 * time.Second}
)

// rootCmd is the top-level cobra command for bgpmondctl.
var rootCmd = &cobra.Command{
	Use:   "bgpmondctl",
	Short: "CLI client for the bgpmond daemon",
	Long:  "bgpmondctl queries the bgpmond status API for neighbors, queues, chains, and clients.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:9179",
		"bgpmond status API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// fetch GETs one status API path and decodes the JSON response into v.
func fetch(path string, v any) error {
	resp, err := httpClient.Get("http://" + serverAddr + path)
	if err != nil {
		return fmt.Errorf("query %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("query %s: %s: %s", path, resp.Status, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
