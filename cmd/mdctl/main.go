package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

var apiAddr string

func main() {
	rootCmd := &cobra.Command{
		Use:   "mdctl",
		Short: "Manage a media director",
		Long: `mdctl talks to the media director admin API.

Examples:
  # List pools and their volume counts
  mdctl pools

  # Show Full volumes of a pool
  mdctl volumes Full --status Full

  # Label a new volume
  mdctl label Full-0042 --pool Full --storage File1`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://localhost:8080", "media director API address")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Show version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("mdctl %s\n", version)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show director status",
			RunE: func(cmd *cobra.Command, args []string) error {
				return printJSON(apiGet("/v1/status"))
			},
		},
		newPoolsCmd(),
		newVolumesCmd(),
		newVolumeCmd(),
		newLabelCmd(),
		newLabelBarcodesCmd(),
		newJobsCmd(),
		newDevicesCmd(),
		&cobra.Command{
			Use:   "prune-cycle",
			Short: "Run one auto-prune cycle now",
			RunE: func(cmd *cobra.Command, args []string) error {
				return printJSON(apiPost("/v1/admin/prune", nil))
			},
		},
		newReadCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func apiGet(path string) (io.ReadCloser, error) {
	resp, err := httpClient.Get(apiAddr + path)
	if err != nil {
		return nil, err
	}
	return checkResponse(resp)
}

func apiPost(path string, body any) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	resp, err := httpClient.Post(apiAddr+path, "application/json", &buf)
	if err != nil {
		return nil, err
	}
	return checkResponse(resp)
}

func checkResponse(resp *http.Response) (io.ReadCloser, error) {
	if resp.StatusCode < 300 {
		return resp.Body, nil
	}
	defer resp.Body.Close()
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return nil, fmt.Errorf("%s: %s", resp.Status, e.Error)
	}
	return nil, fmt.Errorf("%s", resp.Status)
}

func decode(body io.ReadCloser, err error, v any) error {
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func getJSON(path string, v any) error {
	body, err := apiGet(path)
	return decode(body, err, v)
}

func postJSON(path string, in, v any) error {
	body, err := apiPost(path, in)
	return decode(body, err, v)
}

func printJSON(body io.ReadCloser, err error) error {
	var v any
	if err := decode(body, err, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func pathEscape(s string) string { return url.PathEscape(s) }
