// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// aotdiffusion plans resolution buckets, compiles ahead of time one train step per bucket and runs
// training steps of a latent diffusion model dispatched by batch shape.
//
// Usage:
//
//	aotdiffusion buckets --config=train.json
//	aotdiffusion compile --config=train.json --backend=xla:cuda --mesh=4,2
//	aotdiffusion train --config=train.json --steps=100
//
// The training configuration is read from --config (JSON or YAML) and can be overridden by AOTDIFF_*
// environment variables. Without --config the reference configuration is used.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aotdiffusion",
		Short:         "Ahead-of-time compiled latent diffusion training steps",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)
	flags.register(root)

	root.AddCommand(newBucketsCmd())
	root.AddCommand(newCompileCmd())
	root.AddCommand(newTrainCmd())
	return root
}
