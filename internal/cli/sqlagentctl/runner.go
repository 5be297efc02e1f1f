// Package sqlagentctl is the command-line client for the sqlagent API.
package sqlagentctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	UserID     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

var errTurnFailed = errors.New("question was not answered")

// Run executes one command and returns the process exit code.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	root := newRootCmd(defaults)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		var usage *usageError
		switch {
		case errors.As(err, &usage), strings.HasPrefix(err.Error(), "unknown command"):
			_, _ = fmt.Fprintf(stderr, "%v\n\n%s", err, root.UsageString())
			return 2
		case errors.Is(err, errTurnFailed):
			return 1
		default:
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	return 0
}

type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return &usageError{err}
		}
		return nil
	}
}

type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
}

func newRootCmd(defaults Options) *cobra.Command {
	var (
		baseURL string
		apiKey  string
		output  string
		timeout time.Duration
		noColor bool
	)
	api := &client{}

	root := &cobra.Command{
		Use:           "sqlagentctl",
		Short:         "Ask questions about your database in plain language",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			return &usageError{errors.New("a command is required")}
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if output != "table" && output != "json" {
				return &usageError{fmt.Errorf("unsupported output format %q: use 'table' or 'json'", output)}
			}
			if noColor {
				pterm.DisableStyling()
			}
			api.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
			api.apiKey = strings.TrimSpace(apiKey)
			api.http = defaults.HTTPClient
			if api.http == nil {
				api.http = &http.Client{Timeout: timeout}
			}
			return nil
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})

	flags := root.PersistentFlags()
	flags.StringVar(&baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "sqlagent API base URL")
	flags.StringVar(&apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	flags.StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	flags.DurationVar(&timeout, "timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 30s)")
	flags.BoolVar(&noColor, "no-color", false, "Disable styled output")

	outputJSON := func() bool { return output == "json" }
	root.AddCommand(
		newAskCmd(api, defaults.UserID, outputJSON),
		newHistoryCmd(api, defaults.UserID, outputJSON),
		newSchemaCmd(api, outputJSON, "schema", http.MethodGet, "/v1/schema", "Show the schema the agent can query"),
		newSchemaCmd(api, outputJSON, "refresh", http.MethodPost, "/v1/schema/refresh", "Reload the schema from the database"),
		newStatusCmd(api, "health", "/v1/health", "Check API liveness"),
		newStatusCmd(api, "ready", "/v1/ready", "Check API readiness"),
	)
	return root
}

func newAskCmd(api *client, defaultUser string, outputJSON func() bool) *cobra.Command {
	userID := defaultUser
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question and print the answer",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{
				"user_id":  strings.TrimSpace(userID),
				"question": strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			raw, err := api.do(cmd.Context(), http.MethodPost, "/v1/ask", nil, body)
			if err != nil {
				return err
			}
			var resp askResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return fmt.Errorf("decode ask response: %w", err)
			}
			if outputJSON() {
				printJSON(cmd.OutOrStdout(), raw)
			} else {
				renderAnswer(cmd.OutOrStdout(), resp)
			}
			if !resp.Success {
				return errTurnFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", defaultUser, "User whose conversation the question belongs to")
	return cmd
}

func newHistoryCmd(api *client, defaultUser string, outputJSON func() bool) *cobra.Command {
	var (
		userID = defaultUser
		after  int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded turns for a user",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			query := url.Values{}
			if strings.TrimSpace(userID) != "" {
				query.Set("user_id", strings.TrimSpace(userID))
			}
			if after > 0 {
				query.Set("after", strconv.FormatInt(after, 10))
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			raw, err := api.do(cmd.Context(), http.MethodGet, "/v1/history", query, nil)
			if err != nil {
				return err
			}
			if outputJSON() {
				printJSON(cmd.OutOrStdout(), raw)
				return nil
			}
			var page historyPage
			if err := json.Unmarshal(raw, &page); err != nil {
				return fmt.Errorf("decode history response: %w", err)
			}
			return renderHistory(cmd.OutOrStdout(), page)
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", defaultUser, "User whose history to list")
	cmd.Flags().Int64Var(&after, "after", 0, "Only turns after this turn id")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum turns to return")
	return cmd
}

func newSchemaCmd(api *client, outputJSON func() bool, use, method, path, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := api.do(cmd.Context(), method, path, nil, nil)
			if err != nil {
				return err
			}
			if outputJSON() {
				printJSON(cmd.OutOrStdout(), raw)
				return nil
			}
			var snapshot schemaSnapshot
			if err := json.Unmarshal(raw, &snapshot); err != nil {
				return fmt.Errorf("decode schema response: %w", err)
			}
			return renderSchema(cmd.OutOrStdout(), snapshot)
		},
	}
}

func newStatusCmd(api *client, use, path, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := api.do(cmd.Context(), http.MethodGet, path, nil, nil)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), raw)
			return nil
		},
	}
}

func (c *client) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp.StatusCode, raw)
	}
	return raw, nil
}

func decodeAPIError(status int, raw []byte) error {
	var envelope struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Message == "" {
		return &apiError{Status: status, Message: strings.TrimSpace(string(raw))}
	}
	return &apiError{Status: status, Code: envelope.ErrorCode, Message: envelope.Message}
}

func printJSON(w io.Writer, raw []byte) {
	if pretty, ok := prettyJSON(raw); ok {
		_, _ = fmt.Fprintln(w, pretty)
		return
	}
	if len(raw) > 0 {
		_, _ = fmt.Fprintln(w, string(raw))
	}
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
