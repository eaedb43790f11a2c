// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// zerotrain trains a small residual MLP on a synthetic regression task with the zero-redundancy optimizer,
// running every rank of a hybrid data-parallel × tensor-parallel world as a goroutine.
//
// Example:
//
//	zerotrain --world-size=4 --data=2 --tensor=2 --partition --overlap --steps=200 --plot=loss.png
package main

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/zero/pkg/core/dtypes"
	"github.com/gomlx/zero/pkg/launch"
	"github.com/gomlx/zero/pkg/support/fsutil"
	"github.com/gomlx/zero/pkg/zero"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// options of a training run, set by the command-line flags.
type options struct {
	worldSize  int
	configPath string
	data       int
	tensor     int

	steps, batchSize   int
	features, hidden   int
	learningRate       float64
	dtypeName          string
	seed               uint64
	overlap, partition bool
	bucketSize         string
	clipNorm           float64
	initialScale       float64
	maxInflight        int

	plotPath    string
	metricsPath string
	noColor     bool
	quiet       bool
}

func main() {
	klog.InitFlags(nil)
	if err := newRootCommand().Execute(); err != nil {
		klog.Errorf("zerotrain failed: %+v", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "zerotrain",
		Short: "Trains a tensor-parallel MLP with the zero-redundancy optimizer",
		Long: `zerotrain runs all ranks of a data-parallel × tensor-parallel world in-process, trains a residual
MLP to fit y = sin(x) with Adam wrapped by the zero-redundancy optimizer, and prints a summary.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.worldSize, "world-size", 4, "Number of ranks.")
	flags.StringVar(&opts.configPath, "config", "", "YAML launch configuration (parallel.data, parallel.tensor.size/mode). "+
		"Flags --data and --tensor override it.")
	flags.IntVar(&opts.data, "data", 0, "Data-parallel degree. 0 infers it from the world size.")
	flags.IntVar(&opts.tensor, "tensor", 0, "Tensor-parallel degree (1D mode). 0 infers it from the world size.")
	flags.IntVar(&opts.steps, "steps", 100, "Number of training steps.")
	flags.IntVar(&opts.batchSize, "batch", 8, "Batch size per data-parallel rank.")
	flags.IntVar(&opts.features, "features", 32, "Number of input/output features.")
	flags.IntVar(&opts.hidden, "hidden", 128, "Number of hidden units, must be divisible by the tensor-parallel degree.")
	flags.Float64Var(&opts.learningRate, "lr", 1e-3, "Adam learning rate.")
	flags.StringVar(&opts.dtypeName, "dtype", "float32", "Parameters dtype: float32, float16 or bfloat16.")
	flags.Uint64Var(&opts.seed, "seed", 42, "Random seed for the parameters and the data.")
	flags.BoolVar(&opts.overlap, "overlap", false, "Overlap the gradient reductions with the backward pass.")
	flags.BoolVar(&opts.partition, "partition", false, "Partition the gradients (reduce-scatter) across data-parallel ranks.")
	flags.StringVar(&opts.bucketSize, "bucket-size", "4MiB", "Gradient bucket capacity, e.g. 512KiB or 4MB.")
	flags.Float64Var(&opts.clipNorm, "clip", 0, "If > 0, clip the global gradient norm to this value.")
	flags.Float64Var(&opts.initialScale, "initial-scale", 1<<16, "Initial loss scale.")
	flags.IntVar(&opts.maxInflight, "max-inflight", 0, "Maximum asynchronous reductions in flight per rank, 0 for no limit.")
	flags.StringVar(&opts.plotPath, "plot", "", "If set, saves a plot of the loss to this PNG file.")
	flags.StringVar(&opts.metricsPath, "metrics-csv", "", "If set, saves the metrics of every step to this CSV file.")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable colors in the output.")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Don't display the progress bar.")
	cmd.PersistentFlags().AddGoFlagSet(goflag.CommandLine)
	return cmd
}

// launchConfig returns the launch configuration from the --config file, overridden by the flags.
func (opts *options) launchConfig(cmd *cobra.Command) (*launch.Config, error) {
	cfg := launch.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = launch.LoadConfig(opts.configPath); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("data") {
		cfg.Parallel.Data = opts.data
	}
	if cmd.Flags().Changed("tensor") {
		cfg.Parallel.Tensor.Size = opts.tensor
		cfg.Parallel.Tensor.Mode = launch.TensorParallelMode1D
	}
	return cfg, cfg.Validate()
}

// zeroConfig returns the optimizer configuration from the flags.
func (opts *options) zeroConfig() (zero.Config, error) {
	cfg := zero.DefaultConfig()
	bucketSize, err := humanize.ParseBytes(opts.bucketSize)
	if err != nil {
		return cfg, errors.Wrapf(err, "invalid --bucket-size=%q", opts.bucketSize)
	}
	cfg.ReduceBucketSize = int(bucketSize)
	cfg.OverlapCommunication = opts.overlap
	cfg.PartitionGrad = opts.partition
	cfg.ClipGradNorm = opts.clipNorm
	cfg.InitialScale = opts.initialScale
	cfg.MaxInflight = opts.maxInflight
	if cfg.MaxScale < cfg.InitialScale {
		cfg.MaxScale = cfg.InitialScale
	}
	return cfg, cfg.Validate()
}

func (opts *options) dtype() (dtypes.DType, error) {
	dtype, err := dtypes.FromName(opts.dtypeName)
	if err != nil {
		return dtype, errors.WithMessage(err, "invalid --dtype")
	}
	return dtype, nil
}

func run(cmd *cobra.Command, opts *options) error {
	launchCfg, err := opts.launchConfig(cmd)
	if err != nil {
		return err
	}
	zeroCfg, err := opts.zeroConfig()
	if err != nil {
		return err
	}
	dtype, err := opts.dtype()
	if err != nil {
		return err
	}
	if opts.steps <= 0 || opts.batchSize <= 0 || opts.features <= 0 || opts.hidden <= 0 {
		return errors.New("--steps, --batch, --features and --hidden must be > 0")
	}
	for _, path := range []*string{&opts.plotPath, &opts.metricsPath} {
		if *path, err = fsutil.ExpandPath(*path); err != nil {
			return err
		}
	}
	setColorProfile(opts.noColor)

	trainer := newTrainer(opts, zeroCfg, dtype)
	if err := trainer.run(cmd.Context(), launchCfg); err != nil {
		return err
	}
	fmt.Println(trainer.summary())
	if opts.metricsPath != "" {
		if err := trainer.metrics.writeCSV(opts.metricsPath); err != nil {
			return err
		}
		fmt.Printf("Metrics saved to %q\n", opts.metricsPath)
	}
	if opts.plotPath != "" {
		if err := trainer.metrics.plot(opts.plotPath); err != nil {
			return err
		}
		fmt.Printf("Loss plot saved to %q\n", opts.plotPath)
	}
	return nil
}
