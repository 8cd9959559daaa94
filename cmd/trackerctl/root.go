package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiAddr string
	token   string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "trackerctl",
	Short:        "Operate a running upscale tracker over its HTTP API.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", envOr("TRACKER_ADDR", "http://127.0.0.1:8080"), "tracker API base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("TRACKER_TOKEN"), "bearer token (see `trackerctl token`)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "request timeout")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{base: strings.TrimRight(apiAddr, "/"), token: token, http: &http.Client{Timeout: timeout}}
}

// call sends body as JSON and decodes the envelope's data into out.
func (c *apiClient) call(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	if env.Code != 0 {
		return fmt.Errorf("%s %s: %s (code %d)", method, path, env.Message, env.Code)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
