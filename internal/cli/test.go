package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/conductor/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Filter    string
	Update    bool
	GoldenDir string
}

// ScenarioResult is the outcome of one scenario run.
type ScenarioResult struct {
	Name   string   `json:"name"`
	File   string   `json:"file"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestReport summarizes a test run.
type TestReport struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run scenario files against an in-process world",
		Long: `Run YAML scenarios with scripted actions in a throwaway world and check
their expectations. Each run is also compared with its golden snapshot,
<golden-dir>/<name>.golden; a missing snapshot is not a failure.

The golden directory defaults to a "golden" directory next to the scenarios
directory. --update rewrites the snapshots instead of comparing them.

Examples:
  conductor test ./testdata/scenarios
  conductor test ./testdata/scenarios --filter 'skip_*'
  conductor test ./testdata/scenarios --update`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only scenarios whose file name matches this glob")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden snapshots")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "golden snapshot directory")

	return cmd
}

func runTest(ctx context.Context, opts *TestOptions, dir string, cmd *cobra.Command) error {
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	goldenDir := opts.GoldenDir
	if goldenDir == "" {
		goldenDir = filepath.Join(filepath.Dir(filepath.Clean(dir)), "golden")
	}

	files, err := harness.FindScenarios(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	if len(files) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("no scenarios in %s", dir))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Verbose {
		logger = slog.New(slog.NewTextHandler(out.GetErrWriter(), &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	report := TestReport{Scenarios: []ScenarioResult{}}
	for _, file := range files {
		r := runScenario(ctx, file, goldenDir, opts.Update, logger)
		out.VerboseLog("%s: pass=%t", r.Name, r.Pass)
		if r.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Scenarios = append(report.Scenarios, r)
	}

	if err := out.Success(report, renderReport(report)); err != nil {
		return err
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", report.Failed, len(files)))
	}
	return nil
}

func runScenario(ctx context.Context, file, goldenDir string, update bool, logger *slog.Logger) ScenarioResult {
	r := ScenarioResult{Name: strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)), File: file}
	s, err := harness.LoadScenario(file)
	if err != nil {
		r.Errors = []string{err.Error()}
		return r
	}
	r.Name = s.Name

	res, err := harness.RunWith(ctx, s, harness.Options{Logger: logger})
	if err != nil {
		r.Errors = []string{err.Error()}
		return r
	}
	r.Errors = res.Errors
	if msg := compareGolden(filepath.Join(goldenDir, s.Name+".golden"), harness.Snapshot(res), update); msg != "" {
		r.Errors = append(r.Errors, msg)
	}
	r.Pass = len(r.Errors) == 0
	return r
}

// compareGolden checks got against the snapshot at path, or writes it when
// update is set. It returns a failure message or "".
func compareGolden(path string, got []byte, update bool) string {
	if update {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Sprintf("golden: %v", err)
		}
		if err := os.WriteFile(path, got, 0o644); err != nil {
			return fmt.Sprintf("golden: %v", err)
		}
		return ""
	}
	want, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ""
	}
	if err != nil {
		return fmt.Sprintf("golden: %v", err)
	}
	if !bytes.Equal(want, got) {
		return fmt.Sprintf("golden: snapshot differs from %s", path)
	}
	return ""
}

func renderReport(report TestReport) string {
	var b strings.Builder
	t := newTable("SCENARIO", "RESULT").colorStates(1)
	for _, r := range report.Scenarios {
		result := "success"
		if !r.Pass {
			result = "error"
		}
		t.add(r.Name, result)
	}
	b.WriteString(t.String())
	for _, r := range report.Scenarios {
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  %s: %s\n", r.Name, e)
		}
	}
	fmt.Fprintf(&b, "\n%d passed, %d failed\n", report.Passed, report.Failed)
	return b.String()
}
