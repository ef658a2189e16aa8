package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/example/image-labels/internal/analyzer"
	"github.com/example/image-labels/internal/labels"
	"github.com/example/image-labels/internal/logging"
	"github.com/example/image-labels/internal/session"
	"github.com/example/image-labels/internal/upload"
)

type cliOptions struct {
	apiURL    string
	token     string
	threshold int
	timeout   time.Duration
	barWidth  int
	jsonOut   bool
	check     bool
	verbose   bool
	imagePath string
}

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

// realMain returns the process exit code so that deferred cleanup, including
// the logger flush, runs before main exits.
func realMain(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "labelctl: %v\n", err)
		return 2
	}

	logger, err := logging.NewCLILogger(opts.verbose)
	if err != nil {
		fmt.Fprintf(stderr, "labelctl: %v\n", err)
		return 1
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger, stdout); err != nil {
		fmt.Fprintf(stderr, "labelctl: %s\n", session.Message(err))
		return 1
	}
	return 0
}

func parseFlags(args []string) (cliOptions, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("labelctl", flag.ContinueOnError)
	fs.StringVar(&opts.apiURL, "api", "", "Base URL of the labeling API (default: $API_URL or "+analyzer.DefaultBaseURL+")")
	fs.StringVar(&opts.token, "token", os.Getenv("API_TOKEN"), "Bearer token sent to the API (default: $API_TOKEN)")
	fs.IntVar(&opts.threshold, "threshold", 0, "Hide labels below this confidence (0-100)")
	fs.DurationVar(&opts.timeout, "timeout", 0, "Request timeout, 0 for none")
	fs.IntVar(&opts.barWidth, "bar", 20, "Width of the confidence bar, 0 to omit")
	fs.BoolVar(&opts.jsonOut, "json", false, "Print the rendered view as JSON")
	fs.BoolVar(&opts.check, "check", false, "Only probe the API health endpoint")
	fs.BoolVar(&opts.verbose, "v", false, "Verbose logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options] IMAGE\n\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	opts.apiURL = strings.TrimSpace(opts.apiURL)
	if opts.threshold < 0 || opts.threshold > 100 {
		return opts, fmt.Errorf("threshold must be between 0 and 100, got %d", opts.threshold)
	}
	if opts.check {
		return opts, nil
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return opts, errors.New("exactly one IMAGE argument is required")
	}
	opts.imagePath = fs.Arg(0)
	return opts, nil
}

func run(ctx context.Context, opts cliOptions, logger *zap.Logger, out io.Writer) error {
	client := analyzer.New(analyzer.Config{
		BaseURL: opts.apiURL,
		Token:   opts.token,
		Timeout: opts.timeout,
		Logger:  logger,
	})
	logger.Debug("api configured", zap.String("api_url", client.BaseURL()))

	if opts.check {
		status, err := client.Health(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s %s: %s\n", status.Service, status.Version, status.Status)
		return err
	}

	file, err := upload.Open(opts.imagePath)
	if err != nil {
		return err
	}

	s := session.New(client, logger)
	if err := s.SelectFile(ctx, file); err != nil {
		return err
	}
	if err := s.Analyze(ctx); err != nil {
		return err
	}
	s.SetThreshold(opts.threshold)

	st := s.State()
	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			RequestID string      `json:"request_id,omitempty"`
			File      string      `json:"file"`
			View      labels.View `json:"view"`
		}{RequestID: st.RequestID, File: st.FileName, View: st.View})
	}

	if _, err := fmt.Fprintf(out, "%s (threshold %s)\n", st.FileName, st.ThresholdText); err != nil {
		return err
	}
	return labels.WriteText(out, st.View, opts.barWidth)
}
