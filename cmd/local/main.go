package main

import (
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/nemanja-m/distrib/examples/grep"
	_ "github.com/nemanja-m/distrib/examples/wordcount"
	"github.com/nemanja-m/distrib/internal/shared/logging"
	"github.com/nemanja-m/distrib/pkg/core"
	"github.com/nemanja-m/distrib/pkg/jobs"
	"github.com/nemanja-m/distrib/pkg/local"
)

func main() {
	var (
		input    = flag.String("input", "", "comma separated input file glob patterns")
		output   = flag.String("output", "", "output directory")
		mappers  = flag.Int("mappers", 4, "number of concurrent mappers")
		reducers = flag.Int("reducers", 4, "number of reducer partitions")
		jobName  = flag.String("job", "", "job to run (e.g., wordcount, grep)")
		level    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger, err := logging.New("slog", *level, "text")
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}

	if *input == "" {
		logger.Fatal("Input pattern must be specified using the -input flag")
	}
	if *output == "" {
		logger.Fatal("Output directory must be specified using the -output flag")
	}
	if *reducers <= 0 {
		logger.Fatal("Number of reducers must be > 0", "reducers", *reducers)
	}

	job, err := jobs.Get(*jobName)
	if err != nil {
		logger.Fatal("Unknown job", "job", *jobName, "available", jobs.List())
	}

	config := core.JobConfig{
		Input:       strings.Split(*input, ","),
		Output:      *output,
		NumMappers:  *mappers,
		NumReducers: *reducers,
		MapFunc:     job.Map,
		ReduceFunc:  job.Reduce,
	}

	logger.Info("Starting job",
		"job", *jobName,
		"input", config.Input,
		"output", config.Output,
		"reducers", config.NumReducers,
	)

	start := time.Now()
	if err := local.NewEngine(config).Run(); err != nil {
		logger.Fatal("Job failed", "error", err)
	}

	logger.Info("Job completed", "duration_ms", time.Since(start).Milliseconds())
}
