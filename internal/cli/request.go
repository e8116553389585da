package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/heinousjay/JibbrJabbr-sub000/internal/config"
	"github.com/heinousjay/JibbrJabbr-sub000/internal/engine"
)

// RequestOptions holds flags for the request command.
type RequestOptions struct {
	*RootOptions
	Scripts  string
	Database string
	Params   []string // name=value
}

// RequestResult is the outcome of one document request.
type RequestResult struct {
	ID       string `json:"id"`
	BaseName string `json:"base_name"`
	Status   string `json:"status"`
	Body     string `json:"body"`
}

// NewRequestCommand creates the request command.
func NewRequestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RequestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "request <document>",
		Short: "Run one document request without a server",
		Long: `Run a single request for a document and print what it wrote.

The document's top-level program runs first, then its Ready function,
exactly as for an HTTP request. Outbound calls are real; there are no
connected clients, so Ask fails.

Exit codes:
  0 - The document was served
  1 - No such document, or it failed to load
  2 - Command error (bad config, missing scripts directory, etc.)

Examples:
  jibbr request index
  jibbr request chat/room --param room=lobby
  jibbr request index --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Scripts, "scripts", "", "script library root (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "journal database (overrides config)")
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "request parameter name=value (repeatable)")

	return cmd
}

func runRequest(opts *RequestOptions, baseName string, cmd *cobra.Command) error {
	params, err := parseParams(opts.Params)
	if err != nil {
		return err
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Scripts != "" {
		cfg.Scripts = opts.Scripts
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := opts.newLogger(cmd.ErrOrStderr(), cfg)
	rt, err := newRuntime(ctx, cfg, logger, "request")
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.close(closeCtx); err != nil {
			logger.Warn("scheduler shutdown", "error", err)
		}
	}()

	result, err := serveOne(ctx, rt, cfg, baseName, params)
	if err != nil {
		return err
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}
	out.VerboseLog("request %s for %s: %s", result.ID, result.BaseName, result.Status)

	if result.Status != engine.Served.String() {
		msg := fmt.Sprintf("document %s was not served: %s", baseName, result.Status)
		if opts.Format == "json" {
			if err := out.Error(CodeRequestFailed, msg, result); err != nil {
				return err
			}
		}
		return NewExitError(ExitFailure, msg)
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), CLIResponse{Status: "ok", Data: result, RunID: journalRun(rt)})
	}
	fmt.Fprint(cmd.OutOrStdout(), result.Body)
	if result.Body != "" && !strings.HasSuffix(result.Body, "\n") {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return nil
}

// serveOne submits a request and waits for its response.
func serveOne(ctx context.Context, rt *runtime, cfg config.Config, baseName string, params map[string]string) (RequestResult, error) {
	type response struct {
		status engine.ResponseStatus
		body   []byte
	}
	ch := make(chan response, 1)

	id := engine.UUIDv7Generator{}.Generate()
	req := engine.NewDocumentRequest(id, baseName, params, engine.ResponderFunc(func(status engine.ResponseStatus, body []byte) {
		ch <- response{status: status, body: body}
	}))
	if !rt.sched.SubmitRequest(req) {
		return RequestResult{}, NewExitError(ExitFailure, "scheduler closed before the request was submitted")
	}

	var timeout <-chan time.Time
	if cfg.RequestTimeout > 0 {
		timer := time.NewTimer(cfg.RequestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case rep := <-ch:
		return RequestResult{ID: id, BaseName: baseName, Status: rep.status.String(), Body: string(rep.body)}, nil
	case <-timeout:
		return RequestResult{}, NewExitError(ExitFailure, fmt.Sprintf("document %s did not respond within %s", baseName, cfg.RequestTimeout))
	case <-ctx.Done():
		return RequestResult{}, WrapExitError(ExitFailure, "request cancelled", ctx.Err())
	}
}

// parseParams turns name=value pairs into request parameters.
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid parameter %q: want name=value", pair))
		}
		params[name] = value
	}
	return params, nil
}

// journalRun returns the run ID when the runtime journals, otherwise "".
func journalRun(rt *runtime) string {
	if rt.store == nil {
		return ""
	}
	return rt.runID
}
