package main

import (
	"github.com/gomlx/relprop/internal/graphfile"
	"github.com/gomlx/relprop/relprop"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

type explainFlags struct {
	renormalize bool
	fallback    bool
	target      int
	parallelism int
}

// explanation is the YAML report of one graph file.
type explanation struct {
	File      string         `yaml:"file"`
	Error     string         `yaml:"error,omitempty"`
	Total     float64        `yaml:"total,omitempty"`
	Relevance map[string]any `yaml:"relevance,omitempty"`
	Warnings  []string       `yaml:"warnings,omitempty"`
}

func newExplainCmd() *cobra.Command {
	var flags explainFlags
	cmd := &cobra.Command{
		Use:   "explain graph.yaml...",
		Short: "Propagate the output relevance of each graph file back to its inputs",
		Long: `Propagate the output relevance of each graph file back to its inputs.

Graph files are processed concurrently: the failure of one doesn't affect the others,
and is reported in its own entry of the output.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExplain(cmd, args, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.renormalize, "renormalize", false,
		"Renormalize the positive and negative passes of additions, so relevance is conserved for mixed signs")
	cmd.Flags().BoolVar(&flags.fallback, "fallback", false,
		"Use the gradient based generic rule for operators without a relevance rule")
	cmd.Flags().IntVar(&flags.target, "target", -1,
		"Class (last axis position of the output) to explain, overriding the seed of the graph files")
	cmd.Flags().IntVar(&flags.parallelism, "parallelism", 4, "Number of graph files processed concurrently")
	return cmd
}

func runExplain(cmd *cobra.Command, paths []string, flags explainFlags) error {
	engine, err := newEngine(flags.renormalize, flags.fallback)
	if err != nil {
		return err
	}
	reports := make([]explanation, len(paths))
	examples := make([]relprop.Example, len(paths))
	for ii, path := range paths {
		reports[ii].File = path
		f, err := graphfile.ReadFile(path)
		if err == nil && flags.target >= 0 {
			f.Seed, f.Target = nil, &flags.target
		}
		if err == nil {
			examples[ii].Graph, examples[ii].Seed, err = f.Build(engine.Backend())
		}
		if err != nil {
			klog.Warningf("%s: %v", path, err)
			reports[ii].Error = err.Error()
		}
	}

	results := engine.PropagateBatch(cmd.Context(), examples, flags.parallelism)
	numFailed := 0
	for ii, result := range results {
		report := &reports[ii]
		if report.Error != "" {
			numFailed++
			continue
		}
		if result.Err != nil {
			numFailed++
			report.Error = result.Err.Error()
			continue
		}
		report.Relevance = make(map[string]any)
		for name, rel := range result.Result.ByName() {
			report.Relevance[name] = rel.Value()
		}
		if report.Total, err = result.Result.Total(); err != nil {
			return err
		}
		for _, w := range result.Result.Warnings {
			report.Warnings = append(report.Warnings, w.String())
		}
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(reports); err != nil {
		return errors.Wrap(err, "failed to write report")
	}
	if err := enc.Close(); err != nil {
		return errors.Wrap(err, "failed to write report")
	}
	if numFailed > 0 {
		return errors.Errorf("%d of %d graph files failed", numFailed, len(paths))
	}
	return nil
}
