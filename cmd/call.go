package cmd

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"tokenward/internal/metrics"
	"tokenward/pkg/oauth"
)

// callOptions holds the flags of `call`.
type callOptions struct {
	method  string
	data    string
	headers []string
	include bool
}

func newCallCmd(opts *globalOptions) *cobra.Command {
	callOpts := &callOptions{}

	cmd := &cobra.Command{
		Use:   "call <url>",
		Short: "Send one authenticated HTTP request",
		Long: `Send one HTTP request with the session's bearer token and print the
response body.

An expired access token is refreshed first. A 401 answer triggers one
refresh and one retry.

Examples:
  tokenward call https://api.example.com/v1/orders
  tokenward call -X POST -d '{"sku":"A-1"}' -H 'Content-Type: application/json' https://api.example.com/v1/orders`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, opts, callOpts, args[0])
		},
	}

	cmd.Flags().StringVarP(&callOpts.method, "request", "X", "", "HTTP method (default GET, or POST with --data)")
	cmd.Flags().StringVarP(&callOpts.data, "data", "d", "", "Request body")
	cmd.Flags().StringArrayVarP(&callOpts.headers, "header", "H", nil, "Extra header as 'Name: value', repeatable")
	cmd.Flags().BoolVarP(&callOpts.include, "include", "i", false, "Print the response status line and headers")
	return cmd
}

func runCall(cmd *cobra.Command, opts *globalOptions, callOpts *callOptions, target string) error {
	rt, err := opts.loadRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	method := strings.ToUpper(callOpts.method)
	if method == "" {
		method = http.MethodGet
		if callOpts.data != "" {
			method = http.MethodPost
		}
	}

	var body io.Reader
	if callOpts.data != "" {
		body = strings.NewReader(callOpts.data)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, target, body)
	if err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	for _, h := range callOpts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("invalid header %q, expected 'Name: value'", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	client := &http.Client{
		Transport: rt.session.WrapTransport(metrics.InstrumentTransport(http.DefaultTransport)),
		Timeout:   rt.cfg.Auth.HTTPTimeout,
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out := cmd.OutOrStdout()
	if callOpts.include {
		fmt.Fprintf(out, "%s %s\n", resp.Proto, resp.Status)
		if err := resp.Header.Write(out); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		reason := "the API rejected the session"
		if challenge := oauth.ParseBearerChallenge(resp.Header.Get("WWW-Authenticate")); challenge.String() != "" {
			reason += ": " + challenge.String()
		}
		return &oauth.AuthRequiredError{Reason: reason}
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("request failed with status %s", resp.Status)
	}
	return nil
}
