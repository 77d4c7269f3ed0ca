package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/dispatch/internal/dependency"
	"github.com/terrpan/dispatch/internal/executor"
	"github.com/terrpan/dispatch/internal/job"
)

var (
	planFile          string
	planMaxConcurrent int
	planJobDuration   time.Duration
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show how a job batch would be executed, without running it",
	Long: `plan reads a batch file, resolves its dependency graph and prints
the execution levels, the critical path and an estimate of the resources
and wall-clock time the batch would need.

The batch file is the YAML form of a POST /v1/plans body:

  options:
    name: nightly
    enable_dependencies: true
  jobs:
    - job_id: build
      repository: acme/app
      metadata:
        estimated_duration: 4m
    - job_id: test
      repository: acme/app
      metadata:
        depends_on: [build]`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	f := planCmd.Flags()
	f.StringVarP(&planFile, "file", "f", "", "Path to the batch YAML file")
	f.IntVar(&planMaxConcurrent, "max-concurrent", 10, "Concurrency ceiling used for the estimate")
	f.DurationVar(&planJobDuration, "default-job-duration", 5*time.Minute, "Duration assumed for jobs without an estimate")
	_ = planCmd.MarkFlagRequired("file")
}

// batchFile is the on-disk form of a job batch.
type batchFile struct {
	Options executor.BatchOptions `yaml:"options"`
	Jobs    []*job.Request        `yaml:"jobs"`
}

// planView is everything renderPlan prints.
type planView struct {
	Name          string
	Jobs          int
	Levels        [][]string
	CriticalPath  []string
	CriticalTime  time.Duration
	Edges         int
	Resources     executor.ResourceSummary
	MaxConcurrent int
}

func runPlan(cmd *cobra.Command, _ []string) error {
	b, err := readBatch(planFile)
	if err != nil {
		return err
	}
	view, err := buildPlanView(cmd.Context(), b, planMaxConcurrent, planJobDuration)
	if err != nil {
		return err
	}
	renderPlan(cmd.OutOrStdout(), view)
	return nil
}

func readBatch(path string) (*batchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading batch file: %w", err)
	}
	var b batchFile
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing batch file: %w", err)
	}
	return &b, nil
}

// buildPlanView validates the batch and resolves it offline the way the
// executor would.  depends_on is ignored unless the batch enables
// dependencies.
func buildPlanView(ctx context.Context, b *batchFile, maxConcurrent int, fallback time.Duration) (planView, error) {
	if len(b.Jobs) == 0 {
		return planView{}, executor.ErrEmptyBatch
	}
	for i, j := range b.Jobs {
		if err := j.Validate(); err != nil {
			return planView{}, fmt.Errorf("job %d: %w", i, err)
		}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	view := planView{
		Name:          b.Options.PlanName,
		Jobs:          len(b.Jobs),
		MaxConcurrent: maxConcurrent,
	}
	if view.Name == "" {
		view.Name = "batch"
	}

	if !b.Options.EnableDependencies {
		ids := make([]string, 0, len(b.Jobs))
		for _, j := range b.Jobs {
			ids = append(ids, j.JobID)
		}
		view.Levels = [][]string{ids}
		view.Resources = executor.Estimate(b.Jobs, nil, maxConcurrent, fallback)
		return view, nil
	}

	mgr := dependency.NewManager(dependency.Config{DefaultJobDuration: fallback})
	g, err := mgr.CreateDependencyGraph(ctx, "offline", b.Jobs, dependency.EdgesFromMetadata(b.Jobs))
	if err != nil {
		return planView{}, err
	}
	defer mgr.Delete("offline")

	m := g.Metrics()
	view.Levels = g.Levels()
	view.CriticalPath = g.CriticalPath()
	view.CriticalTime = m.CriticalPathLength
	view.Edges = m.TotalEdges
	view.Resources = executor.Estimate(b.Jobs, view.Levels, maxConcurrent, fallback)
	return view, nil
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3cc5ff"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#adadad"))
	levelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff9a59"))
	pathStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#06cc00"))
)

func renderPlan(w io.Writer, v planView) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Plan %s: %d jobs, %d edges", v.Name, v.Jobs, v.Edges)))
	fmt.Fprintln(w)

	for i, level := range v.Levels {
		fmt.Fprintf(w, "%s %s\n", levelStyle.Render(fmt.Sprintf("level %d", i)), strings.Join(level, ", "))
	}
	fmt.Fprintln(w)

	if len(v.CriticalPath) > 0 {
		fmt.Fprintf(w, "%s %s (%s)\n",
			labelStyle.Render("critical path:"),
			pathStyle.Render(strings.Join(v.CriticalPath, " -> ")),
			v.CriticalTime,
		)
	}
	fmt.Fprintf(w, "%s %d (ceiling %d)\n", labelStyle.Render("peak concurrency:"), v.Resources.PeakConcurrency, v.MaxConcurrent)
	fmt.Fprintf(w, "%s %.1f cpu, %.0f MB\n", labelStyle.Render("requested resources:"), v.Resources.CPU, v.Resources.Memory)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("estimated duration:"), v.Resources.EstimatedDuration)
}
