package sqlassistctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sqlassist/sqlassist/internal/assistant"
	"github.com/sqlassist/sqlassist/internal/presets"
	"github.com/sqlassist/sqlassist/internal/schema"
	"github.com/sqlassist/sqlassist/internal/session"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Owner      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// runError marks failures that happen after arguments were accepted.
type runError struct{ err error }

func (e runError) Error() string { return e.err.Error() }
func (e runError) Unwrap() error { return e.err }

type globalFlags struct {
	baseURL string
	apiKey  string
	owner   string
	timeout time.Duration
	rawJSON bool
	width   int
}

// Run executes one sqlassistctl command and returns the process exit code:
// 0 on success, 1 when the request failed and 2 on usage errors.
func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	if args == nil {
		args = []string{}
	}
	root := newRootCommand(defaults, stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var failed runError
	if errors.As(err, &failed) {
		renderer{}.failure(stderr, failed.err)
		return 1
	}
	_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
	_, _ = fmt.Fprint(stderr, root.UsageString())
	return 2
}

func newRootCommand(defaults Options, stdout io.Writer) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "sqlassistctl",
		Short:         "Ask questions about uploaded SQLite and CSV data",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(*cobra.Command, []string) error {
			return errors.New("a command is required")
		},
	}
	root.PersistentFlags().StringVar(&flags.baseURL, "base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "sqlassist API base URL")
	root.PersistentFlags().StringVar(&flags.apiKey, "api-key", defaults.APIKey, "API key for authenticated requests")
	root.PersistentFlags().StringVar(&flags.owner, "owner", defaults.Owner, "Owner header (used when auth is disabled)")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", durationOr(defaults.Timeout, 60*time.Second), "HTTP timeout (e.g. 30s)")
	root.PersistentFlags().BoolVar(&flags.rawJSON, "json", false, "print raw JSON responses")
	root.PersistentFlags().IntVar(&flags.width, "width", 80, "wrap answers at this width")

	newClient := func() *client {
		httpClient := defaults.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: flags.timeout}
		}
		return &client{http: httpClient, baseURL: flags.baseURL, apiKey: flags.apiKey, owner: flags.owner}
	}
	env := &commandEnv{flags: flags, out: stdout, newClient: newClient}

	root.AddCommand(
		env.rawCommand("health", "Show service and assistant health", "/v1/health"),
		env.rawCommand("ready", "Check dependency readiness", "/v1/ready"),
		env.uploadCommand(),
		env.askCommand(),
		env.presetCommand(),
		env.queryCommand(),
		env.presetsCommand(),
		env.schemaCommand(),
		env.historyCommand(),
		env.resetCommand(),
		env.exportCommand(),
	)
	return root
}

type commandEnv struct {
	flags     *globalFlags
	out       io.Writer
	newClient func() *client
}

func (e *commandEnv) render() renderer {
	return renderer{out: e.out, width: e.flags.width}
}

// emit prints raw JSON when --json is set and otherwise decodes into target
// and hands it to show.
func emit[T any](e *commandEnv, raw []byte, show func(T)) error {
	if e.flags.rawJSON {
		if pretty, ok := prettyJSON(raw); ok {
			_, _ = fmt.Fprintln(e.out, pretty)
		}
		return nil
	}
	var target T
	if err := json.Unmarshal(raw, &target); err != nil {
		return runError{fmt.Errorf("decode response: %w", err)}
	}
	show(target)
	return nil
}

func (e *commandEnv) rawCommand(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := e.newClient().getJSON(cmd.Context(), path)
			if err != nil {
				return runError{err}
			}
			if pretty, ok := prettyJSON(resp.body); ok {
				_, _ = fmt.Fprintln(e.out, pretty)
			}
			return nil
		},
	}
}

func (e *commandEnv) uploadCommand() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a SQLite database or CSV file and open a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := e.newClient().upload(cmd.Context(), "/v1/sessions", args[0], kind)
			if err != nil {
				return runError{err}
			}
			return emit(e, resp.body, e.render().sessionInfo)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "source kind (sqlite or csv); detected when empty")
	return cmd
}

func (e *commandEnv) askCommand() *cobra.Command {
	var previousQuestion, previousSQL string
	cmd := &cobra.Command{
		Use:   "ask <session> <question...>",
		Short: "Ask a question about a session's data",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"question": strings.Join(args[1:], " ")}
			if previousQuestion != "" || previousSQL != "" {
				payload["history"] = map[string]string{"question": previousQuestion, "sql_query": previousSQL}
			}
			resp, err := e.newClient().postJSON(cmd.Context(), sessionPath(args[0], "ask"), payload)
			return e.finishAsk(resp, err)
		},
	}
	cmd.Flags().StringVar(&previousQuestion, "previous-question", "", "override the prior question used for follow-ups")
	cmd.Flags().StringVar(&previousSQL, "previous-sql", "", "override the prior SQL used for follow-ups")
	return cmd
}

func (e *commandEnv) presetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "preset <session> <preset-id>",
		Short: "Ask a preset question",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := e.newClient().postJSON(cmd.Context(), sessionPath(args[0], "presets/"+url.PathEscape(args[1])), nil)
			return e.finishAsk(resp, err)
		},
	}
}

func (e *commandEnv) queryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "query <session> <sql...>",
		Short: "Run your own read-only SQL against a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"sql": strings.Join(args[1:], " ")}
			resp, err := e.newClient().postJSON(cmd.Context(), sessionPath(args[0], "query"), payload)
			return e.finishAsk(resp, err)
		},
	}
}

// finishAsk prints whatever part of the result the server returned before
// reporting a failed ask.
func (e *commandEnv) finishAsk(resp response, err error) error {
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && !e.flags.rawJSON {
			if partial, ok := partialResult(apiErr); ok {
				e.render().result(partial)
			}
		}
		return runError{err}
	}
	return emit(e, resp.body, e.render().result)
}

func partialResult(apiErr *APIError) (assistant.QueryResult, bool) {
	raw, ok := apiErr.Context["result"]
	if !ok || raw == nil {
		return assistant.QueryResult{}, false
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return assistant.QueryResult{}, false
	}
	var result assistant.QueryResult
	if err := json.Unmarshal(encoded, &result); err != nil {
		return assistant.QueryResult{}, false
	}
	return result, result.SQL != ""
}

func (e *commandEnv) presetsCommand() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "presets",
		Short: "List preset questions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/v1/presets"
			if sessionID != "" {
				path += "?session_id=" + url.QueryEscape(sessionID)
			}
			resp, err := e.newClient().getJSON(cmd.Context(), path)
			if err != nil {
				return runError{err}
			}
			return emit(e, resp.body, func(body struct {
				Presets []presets.Preset `json:"presets"`
			}) {
				e.render().presets(body.Presets)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "only list presets that apply to this session")
	return cmd
}

func (e *commandEnv) schemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema <session>",
		Short: "Describe the tables of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := e.newClient().getJSON(cmd.Context(), sessionPath(args[0], "schema"))
			if err != nil {
				return runError{err}
			}
			return emit(e, resp.body, func(body struct {
				Schema schema.Schema `json:"schema"`
			}) {
				e.render().schema(body.Schema)
			})
		},
	}
}

func (e *commandEnv) historyCommand() *cobra.Command {
	var (
		sessionID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the turns of a session, or the caller's durable history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sessionID != "" {
				resp, err := e.newClient().getJSON(cmd.Context(), sessionPath(sessionID, "history"))
				if err != nil {
					return runError{err}
				}
				return emit(e, resp.body, func(body struct {
					Turns []session.Turn `json:"turns"`
				}) {
					e.render().turns(body.Turns)
				})
			}
			resp, err := e.newClient().getJSON(cmd.Context(), "/v1/history?limit="+strconv.Itoa(limit))
			if err != nil {
				return runError{err}
			}
			return emit(e, resp.body, func(body struct {
				Entries []historyEntry `json:"entries"`
			}) {
				e.render().entries(body.Entries)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "show the in-memory turns of this session")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of durable entries to show")
	return cmd
}

func (e *commandEnv) resetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session>",
		Short: "Drop a session and its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := e.newClient().delete(cmd.Context(), "/v1/sessions/"+url.PathEscape(args[0])); err != nil {
				return runError{err}
			}
			_, _ = fmt.Fprintf(e.out, "session %s reset\n", args[0])
			return nil
		},
	}
}

func (e *commandEnv) exportCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <session> <sql>",
		Short: "Run a read-only query and save the rows as Parquet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := e.newClient().postJSON(cmd.Context(), sessionPath(args[0], "export"), map[string]string{"sql": args[1]})
			if err != nil {
				return runError{err}
			}
			if err := os.WriteFile(output, resp.body, 0o644); err != nil {
				return runError{fmt.Errorf("write export: %w", err)}
			}
			_, _ = fmt.Fprintf(e.out, "wrote %s records to %s\n", firstNonEmpty(resp.header.Get("X-Record-Count"), "?"), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "result.parquet", "destination file")
	return cmd
}

func sessionPath(sessionID, suffix string) string {
	return "/v1/sessions/" + url.PathEscape(sessionID) + "/" + suffix
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
