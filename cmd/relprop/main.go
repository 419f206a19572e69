// relprop explains the outputs of graphs described in YAML (see internal/graphfile), printing the relevance
// propagated to each of their inputs.
//
// Usage:
//
//	relprop explain [--renormalize] [--fallback] [--target=N] graph.yaml...
//	relprop ops
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/relprop/relprop"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relprop",
		Short:         "Relevance propagation (LRP) over traced computation graphs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)
	root.AddCommand(newExplainCmd(), newOpsCmd())
	return root
}

// newEngine creates the relevance engine on the pure Go backend.
func newEngine(renormalize, fallback bool) (*relprop.Engine, error) {
	backend, err := simplego.New("")
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create backend")
	}
	engine := relprop.New(backend)
	if renormalize {
		engine.WithAddSplitPolicy(relprop.SplitRenormalized)
	}
	if fallback {
		engine.WithFallback(relprop.GenericRule{})
	}
	return engine, nil
}

func newOpsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ops",
		Short: "List the supported operators and their relevance rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := newEngine(false, false)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, op := range relprop.OpTypes() {
				if rule, found := engine.Rule(op); found {
					fmt.Fprintf(out, "%-10s\t%T\n", op, rule)
				} else {
					fmt.Fprintf(out, "%-10s\t(no rule)\n", op)
				}
			}
			return nil
		},
	}
}
