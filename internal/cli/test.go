package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/secsync/internal/harness"
)

// goldenSubdir is the directory next to the scenarios that holds their
// expected traces.
const goldenSubdir = "golden"

var errGoldenMismatch = errors.New("trace does not match golden file")

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool
	Filter string
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult summarizes a test run.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

func (r *TestResult) add(s ScenarioResult) {
	r.Scenarios = append(r.Scenarios, s)
	if s.Pass {
		r.Passed++
	} else {
		r.Failed++
	}
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run sync scenarios against an in-process relay",
		Long: `Run multi-client sync scenarios.

Each scenario starts its own relay and database, drives the clients
through the listed steps and checks the assertions. When
<scenarios-dir>/golden/<name>.golden exists, the trace must match it too.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  secsync test ./scenarios
  secsync test ./scenarios --filter "offline-*"
  secsync test ./scenarios --update
  secsync test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, dir string, cmd *cobra.Command) error {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}
	files, err := findScenarioFiles(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	formatter := newFormatter(opts.RootOptions, cmd)
	w := cmd.OutOrStdout()
	if len(files) == 0 {
		if formatter.isJSON() {
			return formatter.Success(TestResult{Scenarios: []ScenarioResult{}})
		}
		fmt.Fprintln(w, "No scenarios found.")
		return nil
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	result := TestResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		formatter.VerboseLog("running %s", file)
		r := runScenario(ctx, file, opts.Update)
		result.add(r)
		if !formatter.isJSON() {
			printScenario(w, r, opts.Update)
		}
	}

	var failed error
	if result.Failed > 0 {
		failed = NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	if formatter.isJSON() {
		if failed != nil {
			if err := formatter.Error(ErrCodeTestFailed, failed.Error(), result); err != nil {
				return err
			}
			return failed
		}
		return formatter.Success(result)
	}

	fmt.Fprintf(w, "\nTest Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if failed == nil {
		fmt.Fprintln(w, "✓ All scenarios passed")
	}
	return failed
}

// findScenarioFiles lists the .yaml and .yml files under dir whose base
// name matches filter. The golden directory is not searched.
func findScenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && d.Name() == goldenSubdir {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			ok, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// runScenario loads and runs one scenario file. With update set the trace
// replaces the golden file; otherwise an existing golden file must match.
func runScenario(ctx context.Context, file string, update bool) ScenarioResult {
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	failed := func(errs ...string) ScenarioResult {
		return ScenarioResult{Name: name, Errors: errs}
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return failed(fmt.Sprintf("failed to load scenario: %v", err))
	}
	name = scenario.Name

	result, err := harness.RunContext(ctx, scenario)
	if err != nil {
		return failed(fmt.Sprintf("execution failed: %v", err))
	}
	trace, err := harness.CanonicalTrace(scenario.Name, result)
	if err != nil {
		return failed(fmt.Sprintf("failed to marshal trace: %v", err))
	}

	golden := goldenFilePath(file)
	if update {
		err = writeGoldenFile(golden, trace)
	} else {
		err = compareGolden(golden, trace)
	}
	switch {
	case errors.Is(err, errGoldenMismatch):
		return failed(append([]string{err.Error()}, result.Errors...)...)
	case err != nil:
		return failed(err.Error())
	case !result.Pass:
		return failed(result.Errors...)
	}
	return ScenarioResult{Name: name, Pass: true}
}

// compareGolden checks trace against the golden file at path. A scenario
// without a golden file is checked by its assertions only.
func compareGolden(path string, trace []byte) error {
	want, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read golden file: %w", err)
	}
	if !bytes.Equal(want, trace) {
		return errGoldenMismatch
	}
	return nil
}

func printScenario(w io.Writer, r ScenarioResult, updated bool) {
	switch {
	case !r.Pass:
		fmt.Fprintf(w, "✗ %s\n", r.Name)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	case updated:
		fmt.Fprintf(w, "✓ %s (golden updated)\n", r.Name)
	default:
		fmt.Fprintf(w, "✓ %s\n", r.Name)
	}
}

// goldenFilePath maps dir/name.yaml to dir/golden/name.golden.
func goldenFilePath(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(scenarioFile), goldenSubdir, name+".golden")
}

func writeGoldenFile(path string, trace []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to update golden file: %w", err)
	}
	if err := os.WriteFile(path, trace, 0o644); err != nil {
		return fmt.Errorf("failed to update golden file: %w", err)
	}
	return nil
}
