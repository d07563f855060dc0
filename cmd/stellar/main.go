package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/iti/stellar"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var flagFlows = pflag.String("flows", "", "flow set to schedule, json (either layout) or yaml")

var flagParams = pflag.String("params", "", "parameter file, json or yaml")

var flagStrategy = pflag.String("strategy", "",
	"one of average, data-aware, barrier-aware, stellar-search, stellar-lp, flow-chunk; overrides the parameter file")

var flagOut = pflag.String("out", "", "directory results are written to; overrides model_path")

var flagTrace = pflag.Bool("trace", false, "record a trace of the replay or chunk schedule")

var flagVerbose = pflag.Bool("verbose", false, "development logging at debug level")

func validateFlags() error {
	if *flagFlows == "" {
		return fmt.Errorf("missing --flows")
	}
	return nil
}

func buildLogger() (*zap.Logger, error) {
	if *flagVerbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, logger *zap.Logger) error {
	params, err := stellar.LoadParams(*flagParams)
	if err != nil {
		return err
	}
	if *flagStrategy != "" {
		params.Strategy = *flagStrategy
	}
	if *flagOut != "" {
		params.ModelPath = *flagOut
	}

	ext := strings.ToLower(path.Ext(*flagFlows))
	useYAML := ext == ".yaml" || ext == ".yml"
	desc, err := stellar.ReadFlowSetDesc(*flagFlows, useYAML, nil)
	if err != nil {
		return err
	}

	opts := []stellar.SchedulerOption{stellar.WithLogger(logger)}
	if *flagTrace {
		opts = append(opts, stellar.WithTrace(stellar.CreateTraceManager(desc.Name, true)))
	}
	sched, err := stellar.NewScheduler(params, opts...)
	if err != nil {
		return err
	}

	res, err := sched.Run(ctx, desc)
	if err != nil {
		return err
	}
	for _, file := range res.Files {
		logger.Debug("wrote", zap.String("file", file))
	}
	if res.Allocation != nil {
		fmt.Printf("%s: average collective completion time %g\n", params.Strategy, res.Allocation.AvgCompletion)
	} else {
		fmt.Printf("%s: mean makespan %g\n", params.Strategy, res.Chunks.Objective)
	}
	return nil
}

func main() {
	pflag.Parse()
	if err := validateFlags(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		pflag.Usage()
		os.Exit(2)
	}

	logger, err := buildLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	stellar.SetLogger(logger)

	if err := run(context.Background(), logger); err != nil {
		logger.Error("stellar failed", zap.Error(err))
		os.Exit(1)
	}
}
