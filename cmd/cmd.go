// Package cmd implements the outpaintd command line interface.
package cmd

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/outpaintd/outpaintd/api"
	"github.com/outpaintd/outpaintd/envconfig"
	"github.com/outpaintd/outpaintd/format"
	"github.com/outpaintd/outpaintd/server"
	"github.com/outpaintd/outpaintd/version"
)

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "outpaintd",
		Short:         "Outpainting image generation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				fmt.Println("outpaintd version", version.Version)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	rootCmd.AddCommand(
		newServeCmd(),
		newGenerateCmd(),
		newCacheCmd(),
	)

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the outpaintd server",
		Args:    cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ln, err := net.Listen("tcp", envconfig.Host().Host)
			if err != nil {
				return err
			}
			return server.Serve(ln)
		},
	}
}

func newCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the weight bundle cache",
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List cached weight bundles",
		Args:    cobra.ExactArgs(0),
		RunE:    listHandler,
	}

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove cached weight bundles not in use",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.ClientFromEnvironment().Prune(cmd.Context())
		},
	}

	cacheCmd.AddCommand(listCmd, pruneCmd)
	return cacheCmd
}

func listHandler(cmd *cobra.Command, args []string) error {
	resp, err := api.ClientFromEnvironment().Cache(cmd.Context())
	if err != nil {
		return err
	}

	var data [][]string
	for _, e := range resp.Entries {
		inUse := ""
		if e.InUse {
			inUse = "*"
		}
		data = append(data, []string{
			e.Ref,
			format.HumanBytes(e.Size),
			format.HumanTime(e.LastAccess, "Never"),
			inUse,
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"REF", "SIZE", "LAST USED", "IN USE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

func newGenerateCmd() *cobra.Command {
	generateCmd := &cobra.Command{
		Use:   "generate IMAGE",
		Short: "Outpaint an image",
		Args:  cobra.ExactArgs(1),
		RunE:  generateHandler,
	}

	flags := generateCmd.Flags()
	flags.String("prompt", "", "Text prompt")
	flags.String("negative", "", "Negative prompt")
	flags.Int("left", 0, "Pixels to grow on the left")
	flags.Int("right", 0, "Pixels to grow on the right")
	flags.Int("up", 0, "Pixels to grow on the top")
	flags.Int("down", 0, "Pixels to grow on the bottom")
	flags.String("weights", "", "Weight bundle URL to apply")
	flags.Float64("lora-scale", 0, "Adapter scale (0..1)")
	flags.Float64("condition-scale", 0, "Edge conditioning scale (0..1)")
	flags.Float64("guidance", 0, "Guidance scale (1..50)")
	flags.Int("outputs", 0, "Number of images to generate (1..4)")
	flags.String("scheduler", "", "Sampler variant")
	flags.Int64("seed", -1, "Random seed (-1 for random)")
	flags.Bool("no-watermark", false, "Disable the invisible watermark")
	flags.StringP("output", "o", "", "Output file prefix")

	return generateCmd
}

func generateHandler(cmd *cobra.Command, args []string) error {
	img, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	req := &api.GenerateRequest{Image: img}
	req.Prompt, _ = flags.GetString("prompt")
	req.NegativePrompt, _ = flags.GetString("negative")
	req.OutpaintLeft, _ = flags.GetInt("left")
	req.OutpaintRight, _ = flags.GetInt("right")
	req.OutpaintUp, _ = flags.GetInt("up")
	req.OutpaintDown, _ = flags.GetInt("down")
	req.LoraWeights, _ = flags.GetString("weights")
	req.LoraScale, _ = flags.GetFloat64("lora-scale")
	req.ConditionScale, _ = flags.GetFloat64("condition-scale")
	req.GuidanceScale, _ = flags.GetFloat64("guidance")
	req.NumOutputs, _ = flags.GetInt("outputs")
	req.Scheduler, _ = flags.GetString("scheduler")

	if seed, _ := flags.GetInt64("seed"); seed >= 0 {
		req.Seed = &seed
	}
	if noWatermark, _ := flags.GetBool("no-watermark"); noWatermark {
		f := false
		req.ApplyWatermark = &f
	}

	resp, err := api.ClientFromEnvironment().Generate(cmd.Context(), req)
	if err != nil {
		return err
	}

	prefix, _ := flags.GetString("output")
	if prefix == "" {
		prefix = fmt.Sprintf("outpaint-%s", time.Now().Format("20060102-150405"))
	}

	for i, data := range resp.Images {
		name := fmt.Sprintf("%s-%d.png", prefix, i)
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return fmt.Errorf("saving image: %w", err)
		}
		fmt.Println("Image saved to:", name)
	}

	if resp.Flagged > 0 {
		fmt.Printf("%d output(s) removed by the safety filter\n", resp.Flagged)
	}
	fmt.Println("seed:", resp.Seed)
	return nil
}
