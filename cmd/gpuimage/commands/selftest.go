package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"

	"github.com/eliseemond/elastix/internal/coherence"
	"github.com/eliseemond/elastix/internal/metrics"
	"github.com/eliseemond/elastix/internal/pipeline"
	"github.com/eliseemond/elastix/internal/selftest"
)

var (
	selftestSteps  int
	selftestSeed   int64
	selftestStages string
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Check buffer coherence on the configured device",
	Long: `Run coherence checks against the configured command queues: the
4x4 host/device round trip, transfer minimality, queue rebinding, graft,
a scale stage run through the pipeline, and a random walk of host and
device reads and writes.

Transfer counters are printed at the end when metrics are enabled.`,
	RunE: runSelftest,
}

func init() {
	selftestCmd.Flags().IntVar(&selftestSteps, "steps", 1000, "random walk length")
	selftestCmd.Flags().Int64Var(&selftestSeed, "seed", time.Now().UnixNano(), "random walk seed")
	selftestCmd.Flags().StringVar(&selftestStages, "stages", "gpu", "pipeline stage variant (cpu, gpu)")
	rootCmd.AddCommand(selftestCmd)
}

func runSelftest(cmd *cobra.Command, args []string) error {
	backend, err := pipeline.ParseBackend(selftestStages)
	if err != nil {
		return fmt.Errorf("invalid --stages: %w", err)
	}
	queues, err := openQueues()
	if err != nil {
		return err
	}
	defer queues.Close()

	reg := prometheus.NewRegistry()
	var observer coherence.Observer
	if cfg.Metrics.Enabled {
		collector, err := metrics.NewCollector(reg)
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		observer = collector
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Coherence self-test (%s, %d queues, seed %d)",
		cfg.Device.Backend, queues.Len(), selftestSeed)))

	results := selftest.Run(cmd.Context(), queues, selftest.Options{
		Steps:          selftestSteps,
		Seed:           selftestSeed,
		Observer:       observer,
		Backend:        backend,
		GenerationBump: cfg.Coherence.GenerationBump,
	})

	failed := 0
	for _, r := range results {
		if r.Passed() {
			fmt.Fprintf(out, "%s %-22s %s\n", passStyle.Render("PASS"), r.Name, r.Duration.Round(time.Microsecond))
			continue
		}
		failed++
		fmt.Fprintf(out, "%s %-22s %v\n", failStyle.Render("FAIL"), r.Name, r.Err)
	}

	if cfg.Metrics.Enabled {
		fmt.Fprintln(out)
		if err := printCounters(out, reg); err != nil {
			return err
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, titleStyle.Render("Devices"))
	seen := make(map[int]bool)
	for _, q := range queues.Queues() {
		if !seen[q.Context()] {
			seen[q.Context()] = true
			fmt.Fprintf(out, "  context %d  %s\n", q.Context(), q.Device().Name())
			printDeviceMemory(cmd, q.Device())
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(results))
	}
	return nil
}

// printCounters prints every counter series gathered from reg
func printCounters(w io.Writer, reg prometheus.Gatherer) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })

	fmt.Fprintln(w, titleStyle.Render("Counters"))
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, m := range mf.GetMetric() {
			fmt.Fprintf(w, "  %s%s %.0f\n", mf.GetName(), labels(m), m.GetCounter().GetValue())
		}
	}
	return nil
}

func labels(m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return ""
	}
	s := "{"
	for i, l := range m.GetLabel() {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
	}
	return s + "}"
}
