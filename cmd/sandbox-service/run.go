package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"codesandbox/internal/sandbox"
	"codesandbox/internal/sandbox/result"
	"codesandbox/pkg/utils/logger"

	"github.com/fatih/color"
)

type runOptions struct {
	SourcePath   string
	Language     string
	StdinPath    string
	ExpectedPath string
	TimeLimitMs  int
}

var extensionLanguages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
	".ts":   "typescript",
	".c":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".cxx":  "cpp",
	".java": "java",
}

// runOnce judges a local file with the configured backend and prints a coloured verdict.
func runOnce(ctx context.Context, cfg *AppConfig, opts runOptions, out io.Writer) error {
	cfg.Logger.Level = "warn"
	if err := logger.Init(cfg.Logger); err != nil {
		return fmt.Errorf("init logger failed: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	lang := opts.Language
	if lang == "" {
		lang = extensionLanguages[strings.ToLower(filepath.Ext(opts.SourcePath))]
		if lang == "" {
			return fmt.Errorf("cannot guess the language of %s, pass --language", opts.SourcePath)
		}
	}
	code, err := os.ReadFile(opts.SourcePath)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	stdin, err := readOptional(opts.StdinPath)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	timeLimit := opts.TimeLimitMs
	if timeLimit <= 0 {
		timeLimit = cfg.Limits.DefaultTimeLimitMs
	}

	comps, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	if !comps.languages.IsSupported(lang) {
		return fmt.Errorf("language %q is not supported, enabled: %s", lang, strings.Join(comps.languages.Supported(), ", "))
	}

	req := sandbox.RunAllRequest{
		Language:    lang,
		Code:        string(code),
		Stdin:       stdin,
		TimeLimitMs: int64(timeLimit),
	}
	if opts.ExpectedPath != "" {
		expected, err := readOptional(opts.ExpectedPath)
		if err != nil {
			return fmt.Errorf("read expected output: %w", err)
		}
		req.TestCases = []result.TestCase{{Input: stdin, ExpectedOutput: expected}}
	}

	runCtx, cancel := context.WithTimeout(ctx, waitTimeout(cfg, timeLimit))
	defer cancel()
	verdict := comps.worker.RunAll(runCtx, req)
	judged := opts.ExpectedPath != ""
	printVerdict(out, verdict, judged)
	if !judged {
		// Without an expected output only a crash or timeout is a failure.
		if r := verdict.Results[0]; r.Status == result.StatusError || r.Status == result.StatusTimeout {
			return fmt.Errorf("program finished with status %s", r.Status)
		}
		return nil
	}
	if !verdict.AllPassed {
		return fmt.Errorf("%d of %d test(s) did not pass", verdict.FailedTests(), verdict.TotalTests)
	}
	return nil
}

func readOptional(path string) (string, error) {
	switch path {
	case "":
		return "", nil
	case "-":
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	default:
		data, err := os.ReadFile(path)
		return string(data), err
	}
}

func printVerdict(out io.Writer, verdict result.SubmissionVerdict, judged bool) {
	bold := color.New(color.Bold)
	faint := color.New(color.Faint)
	for _, r := range verdict.Results {
		status := r.Status
		if !judged && status == result.StatusFailed {
			// Nothing to compare against.
			status = result.StatusSuccess
		}
		_, _ = bold.Fprintf(out, "test %d: ", r.TestCaseNumber)
		_, _ = statusColor(status).Fprintf(out, "%s", strings.ToUpper(string(status)))
		_, _ = faint.Fprintf(out, "  %d ms  %d KB", r.RuntimeMs, r.MemoryKB)
		if r.ExitCode != nil {
			_, _ = faint.Fprintf(out, "  exit %d", *r.ExitCode)
		}
		fmt.Fprintln(out)
		if r.Error != "" {
			_, _ = color.New(color.FgRed).Fprintf(out, "%s\n", strings.TrimRight(r.Error, "\n"))
		}
		if r.Stdout != "" {
			_, _ = bold.Fprintln(out, "stdout:")
			fmt.Fprintln(out, strings.TrimRight(r.Stdout, "\n"))
		}
		if r.Stderr != "" && r.Stderr != r.Error {
			_, _ = bold.Fprintln(out, "stderr:")
			fmt.Fprintln(out, strings.TrimRight(r.Stderr, "\n"))
		}
		if judged && r.Status == result.StatusFailed {
			_, _ = bold.Fprintln(out, "expected:")
			fmt.Fprintln(out, strings.TrimRight(r.ExpectedOutput, "\n"))
		}
	}
	if judged {
		summary := color.New(color.FgGreen, color.Bold)
		if !verdict.AllPassed {
			summary = color.New(color.FgRed, color.Bold)
		}
		_, _ = summary.Fprintf(out, "%d/%d passed\n", verdict.PassedTests, verdict.TotalTests)
	}
}

func statusColor(status result.Status) *color.Color {
	switch status {
	case result.StatusSuccess:
		return color.New(color.FgGreen, color.Bold)
	case result.StatusTimeout:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}
