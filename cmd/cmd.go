// Package cmd implements the vitlrp command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sw965/vitlrp/checkpoint"
	"github.com/sw965/vitlrp/envconfig"
	"github.com/sw965/vitlrp/explain"
	"github.com/sw965/vitlrp/imageio"
	"github.com/sw965/vitlrp/nn"
	"github.com/sw965/vitlrp/server"
	"github.com/sw965/vitlrp/tensor"
	"github.com/sw965/vitlrp/tinyvit"
)

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "vitlrp",
		Short:         "Relevance maps for TinyViT classifiers",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(envconfig.NewLogger(cmd.ErrOrStderr()))
			tensor.SetThreads(envconfig.Threads())
		},
	}
	rootCmd.PersistentFlags().String("model", envconfig.Model(), "Model variant")
	rootCmd.PersistentFlags().String("weights", envconfig.Weights(), "Checkpoint file (.safetensors, .pth)")

	rootCmd.AddCommand(
		newExplainCmd(),
		newShowCmd(),
		newVariantsCmd(),
		newServeCmd(),
		newExportCmd(),
	)
	return rootCmd
}

func appendEnvDocs(cmd *cobra.Command, keys ...string) {
	vars := envconfig.AsMap()
	var sb strings.Builder
	sb.WriteString("\nEnvironment Variables:\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "      %-18s %s\n", k, vars[k].Description)
	}
	cmd.SetUsageTemplate(cmd.UsageTemplate() + sb.String())
}

// loadModel builds the variant named by --model and loads --weights into
// it when given.
func loadModel(cmd *cobra.Command) (*tinyvit.Model, error) {
	name, _ := cmd.Flags().GetString("model")
	weights, _ := cmd.Flags().GetString("weights")
	cfg, err := tinyvit.Lookup(name)
	if err != nil {
		return nil, err
	}
	model, err := tinyvit.New(cfg, envconfig.Seed())
	if err != nil {
		return nil, err
	}
	if weights == "" {
		slog.Warn("no weights given, using random initialization", "model", name, "seed", envconfig.Seed())
		return model, nil
	}
	ts, err := checkpoint.Load(weights)
	if err != nil {
		return nil, err
	}
	rep, err := checkpoint.Apply(model, ts, false)
	if err != nil {
		return nil, err
	}
	slog.Info("loaded weights", "path", weights, "tensors", len(rep.Loaded))
	if len(rep.Missing) > 0 {
		slog.Warn("parameters missing from checkpoint", "count", len(rep.Missing), "first", rep.Missing[0])
	}
	if len(rep.Unexpected) > 0 {
		slog.Debug("unused checkpoint tensors", "names", rep.Unexpected)
	}
	return model, nil
}

func newExplainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explain IMAGE",
		Short: "Explain the prediction for an image",
		Args:  cobra.ExactArgs(1),
		RunE:  explainHandler,
	}
	cmd.Flags().String("method", string(envconfig.Method()), "Aggregation method: full, rollout, transformer_attribution (grad)")
	cmd.Flags().Int("class", -1, "Class to explain (default: predicted class)")
	cmd.Flags().Int("start-layer", 0, "First attention block of the rollout chain")
	cmd.Flags().String("out", "heatmap.png", "Heatmap PNG path")
	cmd.Flags().Float32("overlay", 0, "Blend the heatmap over the image with this opacity (0 writes the heatmap alone)")
	appendEnvDocs(cmd, "VITLRP_MODEL", "VITLRP_WEIGHTS", "VITLRP_METHOD", "VITLRP_ALPHA", "VITLRP_THREADS", "VITLRP_SEED", "VITLRP_DEBUG")
	return cmd
}

func explainHandler(cmd *cobra.Command, args []string) error {
	methodFlag, _ := cmd.Flags().GetString("method")
	method, err := explain.ParseMethod(methodFlag)
	if err != nil {
		return err
	}
	classFlag, _ := cmd.Flags().GetInt("class")
	start, _ := cmd.Flags().GetInt("start-layer")
	out, _ := cmd.Flags().GetString("out")
	opacity, _ := cmd.Flags().GetFloat32("overlay")

	model, err := loadModel(cmd)
	if err != nil {
		return err
	}
	img, err := imageio.Load(args[0])
	if err != nil {
		return err
	}
	size := model.Config.ImgSize
	x := imageio.Preprocess(img, size)

	gen := explain.NewGenerator(model)
	gen.Rule = nn.Rule{Alpha: envconfig.Alpha()}
	opts := explain.Options{Method: method, StartLayer: start}
	if classFlag >= 0 {
		opts.Class = &classFlag
	}
	res, err := gen.Generate(cmd.Context(), x, opts)
	if err != nil {
		return err
	}
	printTop(cmd.OutOrStdout(), res, 5)

	plane, err := imageio.Grid(res.Map, 0)
	if err != nil {
		return err
	}
	heat, err := imageio.Heatmap(plane, size, size)
	if err != nil {
		return err
	}
	if opacity > 0 {
		heat = imageio.Overlay(img, heat, opacity)
	}
	if err := imageio.SavePNG(out, heat); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, map %v)\n", out, res.Method, res.Map.Shape)
	return nil
}

func printTop(w io.Writer, res explain.Result, k int) {
	logits := res.Logits.Data
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case logits[a] > logits[b]:
			return -1
		case logits[a] < logits[b]:
			return 1
		}
		return 0
	})

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"CLASS", "LOGIT", ""})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, c := range idx[:min(k, len(idx))] {
		mark := ""
		if c == res.Class[0] {
			mark = "explained"
		}
		table.Append([]string{strconv.Itoa(c), strconv.FormatFloat(float64(logits[c]), 'f', 4, 32), mark})
	}
	table.Render()
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stages of a model variant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("model")
			cfg, err := tinyvit.Lookup(name)
			if err != nil {
				return err
			}
			return showStages(cmd.OutOrStdout(), cfg)
		},
	}
}

func showStages(w io.Writer, cfg tinyvit.Config) error {
	fmt.Fprintf(w, "%s: %dx%d input, %d classes\n\n", cfg.Name, cfg.ImgSize, cfg.ImgSize, cfg.NumClasses)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"STAGE", "KIND", "RESOLUTION", "DIM", "DEPTH", "HEADS", "WINDOW", "WINDOWS", "TOKENS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for i := 0; i < cfg.Stages(); i++ {
		res := cfg.Resolution(i)
		row := []string{strconv.Itoa(i), "conv", fmt.Sprintf("%dx%d", res, res), strconv.Itoa(cfg.EmbedDims[i]),
			strconv.Itoa(cfg.Depths[i]), "-", "-", "-", "-"}
		if i > 0 {
			plan, err := tinyvit.NewWindowPlan(res, res, cfg.WindowSizes[i])
			if err != nil {
				return err
			}
			row[1] = "attention"
			row[5] = strconv.Itoa(cfg.NumHeads[i])
			row[6] = strconv.Itoa(cfg.WindowSizes[i])
			row[7] = strconv.Itoa(plan.Windows())
			row[8] = strconv.Itoa(plan.N())
		}
		table.Append(row)
	}
	table.Render()
	return nil
}

func newVariantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "variants",
		Short: "List model variants",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range tinyvit.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve explanations over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := loadModel(cmd)
			if err != nil {
				return err
			}
			gen := explain.NewGenerator(model)
			gen.Rule = nn.Rule{Alpha: envconfig.Alpha()}
			ln, err := net.Listen("tcp", envconfig.Host())
			if err != nil {
				return err
			}
			err = server.New(gen, envconfig.Method(), slog.Default()).Serve(cmd.Context(), ln)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	appendEnvDocs(cmd, "VITLRP_HOST", "VITLRP_MODEL", "VITLRP_WEIGHTS", "VITLRP_METHOD", "VITLRP_ALPHA", "VITLRP_THREADS", "VITLRP_DEBUG")
	return cmd
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export FILE",
		Short: "Write the model parameters as safetensors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			half, _ := cmd.Flags().GetBool("half")
			model, err := loadModel(cmd)
			if err != nil {
				return err
			}
			if err := checkpoint.SaveSafetensors(args[0], model.Params(), half); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tensors to %s\n", len(model.Params()), args[0])
			return nil
		},
	}
	cmd.Flags().Bool("half", false, "Store float16 values")
	return cmd
}
