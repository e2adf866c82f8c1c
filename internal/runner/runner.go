// Package runner drives registered algorithms through build and query sweeps over a
// dataset and reports latency, throughput and recall.
package runner

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/23skdu/annbench/ann"
	"github.com/23skdu/annbench/internal/definitions"
	anerrors "github.com/23skdu/annbench/internal/errors"
	"github.com/23skdu/annbench/internal/metrics"
)

// Builder constructs the algorithm for one run.
type Builder func(ctx context.Context, metric string, run definitions.Run) (ann.Algorithm, error)

// RegistryBuilder looks the run's constructor up in the ann registry.
func RegistryBuilder(ctx context.Context, metric string, run definitions.Run) (ann.Algorithm, error) {
	ctor, ok := ann.Lookup(run.Constructor)
	if !ok {
		return nil, anerrors.NewConfigurationError("build",
			fmt.Sprintf("unknown constructor %q", run.Constructor)).
			WithContext("known", ann.Constructors())
	}
	return ctor(ctx, metric, run.Args)
}

// Result is the measurement of one (build, query argument) pair.
type Result struct {
	Definition string
	Group      string
	Label      string
	Args       []int
	EF         int

	BuildTime   time.Duration
	Queries     int
	MeanLatency time.Duration
	P50Latency  time.Duration
	P99Latency  time.Duration
	QPS         float64
	Recall      float64
}

// Runner executes runs sequentially.
type Runner struct {
	Build  Builder
	Logger *zap.Logger
	// DefaultEF is swept when a run has no query arguments.
	DefaultEF int
}

// New returns a Runner that builds from the ann registry.
func New(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		Build:     RegistryBuilder,
		Logger:    logger,
		DefaultEF: 64,
	}
}

// Run executes every run against ds and returns one result per query argument tuple. It
// stops at the first failure.
func (r *Runner) Run(ctx context.Context, ds *Dataset, runs []definitions.Run) ([]Result, error) {
	var results []Result
	for _, run := range runs {
		res, err := r.runOne(ctx, ds, run)
		if err != nil {
			return results, fmt.Errorf("run %s/%s %v: %w", run.Definition, run.Group, run.Args, err)
		}
		results = append(results, res...)
	}
	return results, nil
}

func (r *Runner) efValues(run definitions.Run) ([]int, error) {
	if len(run.QueryArgs) == 0 {
		return []int{r.DefaultEF}, nil
	}
	efs := make([]int, 0, len(run.QueryArgs))
	for _, qa := range run.QueryArgs {
		if len(qa) != 1 {
			return nil, anerrors.NewConfigurationError("run",
				fmt.Sprintf("query arguments take exactly one value (ef), got %v", qa))
		}
		efs = append(efs, qa[0])
	}
	return efs, nil
}

func (r *Runner) runOne(ctx context.Context, ds *Dataset, run definitions.Run) ([]Result, error) {
	efs, err := r.efValues(run)
	if err != nil {
		return nil, err
	}

	alg, err := r.Build(ctx, ds.Metric, run)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := alg.Close(); err != nil {
			r.Logger.Warn("Failed to close algorithm", zap.Error(err))
		}
	}()

	start := time.Now()
	if err := alg.Fit(ctx, ds.Train); err != nil {
		return nil, err
	}
	buildTime := time.Since(start)
	metrics.BuildDurationSeconds.WithLabelValues(run.Constructor).Observe(buildTime.Seconds())
	r.Logger.Info("Built index",
		zap.String("definition", run.Definition),
		zap.Ints("args", run.Args),
		zap.Duration("build_time", buildTime))

	k := ds.K()
	results := make([]Result, 0, len(efs))
	for _, ef := range efs {
		if err := alg.SetQueryArguments(ctx, ef); err != nil {
			return results, err
		}
		label, err := alg.Describe()
		if err != nil {
			return results, err
		}

		latencies := make([]time.Duration, len(ds.Test))
		var recall float64
		sweepStart := time.Now()
		for q, v := range ds.Test {
			t0 := time.Now()
			got, err := alg.Query(ctx, v, k)
			latencies[q] = time.Since(t0)
			if err != nil {
				return results, err
			}
			recall += Recall(got, ds.Neighbors[q], k)
		}
		elapsed := time.Since(sweepStart)

		res := Result{
			Definition: run.Definition,
			Group:      run.Group,
			Label:      label,
			Args:       run.Args,
			EF:         ef,
			BuildTime:  buildTime,
			Queries:    len(ds.Test),
		}
		if n := len(ds.Test); n > 0 {
			res.Recall = recall / float64(n)
			res.QPS = float64(n) / elapsed.Seconds()
			res.MeanLatency, res.P50Latency, res.P99Latency = latencyStats(latencies)
		}

		efLabel := strconv.Itoa(ef)
		metrics.RunRecall.WithLabelValues(run.Definition, efLabel).Set(res.Recall)
		metrics.RunQPS.WithLabelValues(run.Definition, efLabel).Set(res.QPS)
		r.Logger.Info("Query sweep finished",
			zap.String("label", label),
			zap.Float64("recall", res.Recall),
			zap.Float64("qps", res.QPS),
			zap.Duration("p99", res.P99Latency))
		results = append(results, res)
	}
	return results, nil
}

// latencyStats returns the mean, median and 99th percentile (nearest rank) of ds.
func latencyStats(ds []time.Duration) (mean, p50, p99 time.Duration) {
	if len(ds) == 0 {
		return 0, 0, 0
	}
	sorted := make([]time.Duration, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return total / time.Duration(len(sorted)), percentile(sorted, 50), percentile(sorted, 99)
}

func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
