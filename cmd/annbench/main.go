package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/23skdu/annbench/ann"
	"github.com/23skdu/annbench/internal/definitions"
	"github.com/23skdu/annbench/internal/embedded"
	"github.com/23skdu/annbench/internal/inspect"
	"github.com/23skdu/annbench/internal/logging"
	"github.com/23skdu/annbench/internal/runner"
)

func main() {
	cfg, err := LoadConfig(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&cfg).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "annbench",
		Short: "Benchmark the embedded vector database through its ANN adapter",
		Long: `annbench builds HNSW indexes in an embedded vector database over a generated
dataset, sweeps the query-time ef parameter and reports recall, latency and QPS.

Every flag defaults to its ANNBENCH_* environment variable, which may also be
set in a .env file in the working directory.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfg.DataPath, "data", cfg.DataPath, "snapshot directory of the embedded instance (empty keeps it in memory)")
	root.PersistentFlags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or console")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")

	root.AddCommand(newRunCmd(cfg), newInspectCmd(cfg))
	return root
}

func newRunCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build indexes and sweep query arguments",
		Long: `Generate a seeded dataset, compute its exact neighbours and benchmark either
the single configuration given by --m, --ef-construction and --ef or every
enabled definition in --definitions for the chosen metric.

Examples:
  # Quick euclidean run
  annbench run --n 2000 --dim 32 --ef 16,64

  # Run every angular definition from a file and persist the last index
  annbench run --metric angular --definitions algos.yml --data ./data`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchmark(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Metric, "metric", cfg.Metric, "distance metric: angular or euclidean")
	f.IntVar(&cfg.MaxConnections, "m", cfg.MaxConnections, "maximum connections per node")
	f.IntVar(&cfg.EFConstruction, "ef-construction", cfg.EFConstruction, "build-time search width")
	f.IntSliceVar(&cfg.EF, "ef", cfg.EF, "query-time search widths to sweep")
	f.IntVar(&cfg.N, "n", cfg.N, "number of indexed vectors")
	f.IntVar(&cfg.Dim, "dim", cfg.Dim, "vector dimension")
	f.IntVar(&cfg.Queries, "queries", cfg.Queries, "number of query vectors")
	f.IntVar(&cfg.K, "k", cfg.K, "neighbours requested per query")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "dataset seed")
	f.StringVar(&cfg.Definitions, "definitions", cfg.Definitions, "algorithm definitions file")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address while running")
	return cmd
}

func newInspectCmd(cfg *Config) *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "inspect <class>",
		Short: "Run SQL over a persisted class snapshot",
		Long: `Expose the snapshot of <class> under --data as a view named after the class
and run a SQL query against it.

Example:
  annbench inspect Vector --data ./data --sql "SELECT count(*) FROM Vector"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DataPath == "" {
				return errors.New("--data is required")
			}
			sql := query
			if sql == "" {
				sql = fmt.Sprintf(`SELECT id, properties FROM "%s" LIMIT 10`, args[0])
			}
			res, err := inspect.New(cfg.DataPath).Query(cmd.Context(), args[0], sql)
			if err != nil {
				return err
			}
			return printRows(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&query, "sql", "", "query to run (defaults to the first 10 objects)")
	return cmd
}

func runBenchmark(ctx context.Context, cfg *Config, out io.Writer) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	logger, err := logging.NewLogger(logging.Config{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
		Output: os.Stderr,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	runs, err := buildRuns(cfg)
	if err != nil {
		return err
	}

	logger.Info("Generating dataset",
		zap.String("metric", cfg.Metric),
		zap.Int("n", cfg.N),
		zap.Int("dim", cfg.Dim),
		zap.Int("queries", cfg.Queries),
		zap.Int("k", cfg.K))
	ds, err := runner.Generate(cfg.Metric, cfg.N, cfg.Queries, cfg.Dim, cfg.K, cfg.Seed)
	if err != nil {
		return err
	}

	r := runner.New(logger)
	r.Build = adapterBuilder(cfg, logger)
	results, err := r.Run(ctx, ds, runs)
	if len(results) > 0 {
		if perr := printResults(out, results); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// buildRuns expands the definitions file, or the tuning flags when no file is given.
func buildRuns(cfg *Config) ([]definitions.Run, error) {
	if cfg.Definitions == "" {
		queryArgs := make([][]int, len(cfg.EF))
		for i, ef := range cfg.EF {
			queryArgs[i] = []int{ef}
		}
		return []definitions.Run{{
			Definition:  "longbow",
			Group:       "cli",
			Constructor: ann.ConstructorName,
			Args:        []int{cfg.MaxConnections, cfg.EFConstruction},
			QueryArgs:   queryArgs,
		}}, nil
	}

	file, err := definitions.LoadFile(cfg.Definitions)
	if err != nil {
		return nil, err
	}
	var runs []definitions.Run
	for _, def := range file.Select("float", cfg.Metric) {
		runs = append(runs, def.Expand()...)
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no enabled definitions for metric %s in %s", cfg.Metric, cfg.Definitions)
	}
	return runs, nil
}

// adapterBuilder builds Longbow runs against an embedded instance that persists into the
// configured data path and falls back to the registry for other constructors.
func adapterBuilder(cfg *Config, logger *zap.Logger) runner.Builder {
	return func(ctx context.Context, metric string, run definitions.Run) (ann.Algorithm, error) {
		if run.Constructor != ann.ConstructorName {
			return runner.RegistryBuilder(ctx, metric, run)
		}
		opts := embedded.DefaultOptions()
		opts.PersistenceDataPath = cfg.DataPath
		opts.SkipLoad = true
		opts.Seed = cfg.Seed
		return ann.NewFromArgs(ctx, metric, run.Args,
			ann.WithEmbeddedOptions(opts),
			ann.WithLogger(logger))
	}
}

func startMetricsServer(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Starting metrics server", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to start metrics server", zap.Error(err))
		}
	}()
	return srv
}

func printResults(out io.Writer, results []runner.Result) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALGORITHM\tBUILD\tRECALL\tQPS\tMEAN\tP50\tP99")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%.4f\t%.1f\t%s\t%s\t%s\n",
			r.Label,
			r.BuildTime.Round(time.Millisecond),
			r.Recall,
			r.QPS,
			r.MeanLatency.Round(time.Microsecond),
			r.P50Latency.Round(time.Microsecond),
			r.P99Latency.Round(time.Microsecond))
	}
	return w.Flush()
}

func printRows(out io.Writer, res *inspect.Result) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
	for _, row := range res.Rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}
