package cli

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"wellplate/internal/models"
	"wellplate/internal/server"
	"wellplate/pkg/analysis"
	"wellplate/pkg/config"
	"wellplate/pkg/plate"
	"wellplate/pkg/segmentation"
	"wellplate/pkg/visualization"
)

func newCompositeCmd(root *Root) *cobra.Command {
	var (
		output   string
		outDir   string
		channels []string
		overlays []string
		all      bool
	)

	cmd := &cobra.Command{
		Use:   "composite [well]",
		Short: "Render the composite image of a well",
		Long: `Render a well's enabled channels into one RGB image.

Without --channel or --overlay the configured channel settings are used.
Listed channels are enabled with the given display range, all others are off.

Examples:
  wellplate composite B3 --output b3.png
  wellplate composite 0 --channel "488 nm:100:4000" --overlay "365 nm"
  wellplate composite --all --out-dir composites`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("a well is required unless --all is set")
			}
			src, err := openVolume(root.exp)
			if err != nil {
				return err
			}
			store, err := root.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			defaults, err := root.cfg.ChannelSettings()
			if err != nil {
				return err
			}
			defaults = config.ResolveColors(defaults, src.Channels().Infos())
			settings := defaults
			if len(channels) > 0 || len(overlays) > 0 {
				colors := make(map[string]models.RGB)
				for _, ch := range defaults {
					colors[ch.Name] = ch.Color
				}
				for _, info := range src.Channels().Infos() {
					if _, ok := colors[info.Name]; !ok {
						colors[info.Name] = info.Color
					}
				}
				if settings, err = visualization.ChannelsFromSpecs(channels, overlays, colors); err != nil {
					return err
				}
			}

			viewer := visualization.NewViewer(src, store.ExperimentMasks(root.exp.Name), root.log)
			viewer.SetCacheSize(root.cfg.Server.CachedLookups)

			if all {
				root.log.Info("rendering plate", "output_dir", outDir)
				return viewer.SavePlate(cmd.Context(), settings, outDir, ".png")
			}

			well, err := parseWell(args[0])
			if err != nil {
				return err
			}
			img, err := viewer.Assemble(cmd.Context(), well, settings)
			if err != nil {
				return err
			}
			for _, w := range img.Warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", w)
			}
			if output == "" {
				id, _ := plate.WellID(well)
				output = id + ".png"
			}
			if err := visualization.SaveComposite(img, output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Composite saved to: %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output image (.png, .tif or .jpg); defaults to <well>.png")
	cmd.Flags().StringVar(&outDir, "out-dir", "composites", "output directory for --all")
	cmd.Flags().StringArrayVar(&channels, "channel", nil, "enable a channel as <name>:<low>:<high> (repeatable)")
	cmd.Flags().StringArrayVar(&overlays, "overlay", nil, "draw the label mask of a segmented channel (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "render every well of the plate")
	return cmd
}

func newSegmentCmd(root *Root) *cobra.Command {
	var (
		wells []string
		redo  bool
	)

	cmd := &cobra.Command{
		Use:   "segment",
		Short: "Segment the cell channel of the plate",
		Long: `Segment the configured cell channel of every well and store the label masks.
Wells with a stored mask are skipped unless --redo is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := parseWells(wells)
			if err != nil {
				return err
			}
			src, err := openVolume(root.exp)
			if err != nil {
				return err
			}
			store, err := root.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			runner := &segmentation.Runner{
				Source:  src,
				Oracle:  root.newOracle(),
				Store:   store.ExperimentMasks(root.exp.Name),
				Channel: root.cfg.Analysis.CellChannel,
				Workers: root.cfg.Segmentation.NumCores,
				Retries: root.cfg.Segmentation.Retries,
				Redo:    redo || root.cfg.Segmentation.Redo,
				Logger:  root.log,
			}
			outcomes, runErr := runner.Run(cmd.Context(), selected)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WELL\tSTATUS\tCELLS\tATTEMPTS\tDURATION")
			for _, o := range outcomes {
				status := "ok"
				switch {
				case o.Err != nil:
					status = "failed: " + o.Err.Error()
				case o.Skipped:
					status = "skipped"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", o.WellID, status, o.Cells, o.Attempts, o.Duration.Round(1e6))
			}
			w.Flush()

			if failed := segmentation.Failed(outcomes); len(failed) > 0 {
				return fmt.Errorf("%d wells failed segmentation: %w", len(failed), runErr)
			}
			return runErr
		},
	}

	cmd.Flags().StringSliceVar(&wells, "wells", nil, "wells to segment, by id or index (default all)")
	cmd.Flags().BoolVar(&redo, "redo", false, "segment wells that already have a stored mask")
	return cmd
}

func newAnalyzeCmd(root *Root) *cobra.Command {
	var (
		wells           []string
		runID           string
		factor          float64
		redo            bool
		intermediaryDir string
		asJSON          bool
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run the plate signal analysis",
		Long: `Segment the cell channel, measure the scaffold and epi channels per cell and
aggregate the signal-positive cells of every well with the plate metadata.
Results are stored in the configured database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := parseWells(wells)
			if err != nil {
				return err
			}
			src, err := openVolume(root.exp)
			if err != nil {
				return err
			}
			metadata, err := root.loadMetadata(root.exp)
			if err != nil {
				return err
			}
			store, err := root.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			cfg := root.cfg
			params := &analysis.Params{
				Experiment:              root.exp.Name,
				RunID:                   runID,
				CellChannel:             cfg.Analysis.CellChannel,
				ScaffoldChannel:         cfg.Analysis.ScaffoldChannel,
				EpiChannel:              cfg.Analysis.EpiChannel,
				ThresholdFactor:         cfg.Analysis.ThresholdFactor,
				Wells:                   selected,
				NumCores:                cfg.Segmentation.NumCores,
				Retries:                 cfg.Segmentation.Retries,
				Redo:                    redo || cfg.Segmentation.Redo,
				SaveIntermediaryResults: intermediaryDir != "",
				IntermediaryDir:         intermediaryDir,
			}
			if cmd.Flags().Changed("factor") {
				params.ThresholdFactor = factor
			}

			report, err := analysis.NewAnalyzer(params, src, metadata).
				WithOracle(root.newOracle()).
				WithStore(store).
				WithLogger(root.log).
				Process(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Experiment string                  `json:"experiment"`
					RunID      string                  `json:"run_id"`
					Rows       []models.PlateSignalRow `json:"rows"`
				}{root.exp.Name, report.RunID, report.Rows})
			}
			printReport(cmd, report, metadata)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&wells, "wells", nil, "wells to analyse, by id or index (default all)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default random UUID)")
	cmd.Flags().Float64Var(&factor, "factor", 1.0, "override the configured threshold factor")
	cmd.Flags().BoolVar(&redo, "redo", false, "segment wells that already have a stored mask")
	cmd.Flags().StringVar(&intermediaryDir, "intermediary-dir", "", "save label masks as TIFF files to this directory")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the plate rows as JSON")
	return cmd
}

func printReport(cmd *cobra.Command, report *analysis.Report, metadata *plate.Metadata) {
	out := cmd.OutOrStdout()
	var conditions []string
	if metadata != nil {
		conditions = metadata.Conditions()
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	header := []string{"WELL", "CELLS", "SIGNAL", "RATIO", "POSITIVE%"}
	for _, c := range conditions {
		header = append(header, strings.ToUpper(c))
	}
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range report.Rows {
		fields := []string{
			row.WellID,
			fmt.Sprint(row.NumCells),
			fmt.Sprint(row.NumSignalCells),
			formatValue(row.Ratio),
			formatValue(row.PercentPositive),
		}
		for _, c := range conditions {
			fields = append(fields, row.Conditions[c])
		}
		fmt.Fprintln(w, strings.Join(fields, "\t"))
	}
	w.Flush()

	fmt.Fprintf(out, "\nRun %s: %d of %d wells valid\n", report.RunID, report.ValidWells(), len(report.Rows))
	for _, f := range report.Failed {
		fmt.Fprintf(out, "  %s failed during %s: %v\n", f.WellID, f.Step, f.Err)
	}
	if len(report.Dropped) > 0 {
		fmt.Fprintf(out, "  dropped wells without metadata: %s\n", strings.Join(report.Dropped, ", "))
	}
	for _, t := range report.Timings {
		fmt.Fprintf(out, "  %s: %s\n", t.Step, t.Duration.Round(1e6))
	}
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.3f", v)
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server that renders well composites and serves plate metadata
and analysis results of every configured experiment, or only of the one named
with --experiment. Metadata files are reloaded when they change.

Examples:
  wellplate serve --addr :8080
  wellplate serve -e plate-2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = root.cfg.Server.Address
			}

			selected := root.cfg.Experiments
			if root.experimentName != "" {
				selected = []config.ExperimentConfig{*root.exp}
			}

			store, err := root.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			channels, err := root.cfg.ChannelSettings()
			if err != nil {
				return err
			}

			experiments := make([]server.Experiment, 0, len(selected))
			watch := false
			for _, exp := range selected {
				src, err := openVolume(&exp)
				if err != nil {
					return err
				}
				viewer := visualization.NewViewer(src, store.ExperimentMasks(exp.Name), root.log)
				viewer.SetCacheSize(root.cfg.Server.CachedLookups)

				metadataPath := exp.MetadataFile
				if metadataPath != "" {
					if _, err := os.Stat(metadataPath); err != nil {
						root.log.Warn("plate metadata unavailable", "experiment", exp.Name, "path", metadataPath, "error", err)
						metadataPath = ""
					}
				}
				watch = watch || metadataPath != ""
				experiments = append(experiments, server.Experiment{
					Name:         exp.Name,
					Viewer:       viewer,
					Channels:     channels,
					MetadataPath: metadataPath,
				})
			}
			root.log.Info("starting server", "addr", addr, "experiments", len(experiments))

			srv, err := server.NewServer(addr, experiments, store, root.log)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			if root.cfg.Server.WatchMetadata && watch {
				if err := srv.WatchMetadata(ctx); err != nil {
					root.log.Warn("metadata watching disabled", "error", err)
				}
			}
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func newWellsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "wells",
		Short: "List the wells of the plate with their metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := root.loadMetadata(root.exp)
			if err != nil {
				root.log.Warn("plate metadata unavailable", "experiment", root.exp.Name, "error", err)
				metadata = nil
			}

			var conditions []string
			if metadata != nil {
				conditions = metadata.Conditions()
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			header := append([]string{"INDEX", "WELL"}, conditions...)
			fmt.Fprintln(w, strings.Join(header, "\t"))
			for i, id := range plate.AllWellIDs() {
				fields := []string{fmt.Sprint(i), id}
				if metadata != nil {
					rec, _ := metadata.Lookup(id)
					for _, c := range conditions {
						fields = append(fields, rec.Values[c])
					}
				}
				fmt.Fprintln(w, strings.Join(fields, "\t"))
			}
			return w.Flush()
		},
	}
}

func newExperimentsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "experiments",
		Short: "List the configured experiments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVOLUME\tMETADATA")
			for _, exp := range root.cfg.Experiments {
				metadata := exp.MetadataFile
				if metadata == "" {
					metadata = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", exp.Name, exp.VolumeDir, metadata)
			}
			return w.Flush()
		},
	}
}

func newMasksCmd(root *Root) *cobra.Command {
	var channel string

	cmd := &cobra.Command{
		Use:   "masks",
		Short: "Inspect and remove the stored label masks of an experiment",
	}
	cmd.PersistentFlags().StringVar(&channel, "channel", "", "segmented channel (default the configured cell channel)")
	maskChannel := func() string {
		if channel != "" {
			return channel
		}
		return root.cfg.Analysis.CellChannel
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the stored masks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := root.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			masks, err := store.Masks(cmd.Context(), root.exp.Name, maskChannel())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WELL\tCHANNEL\tSIZE\tCELLS\tCREATED")
			for _, m := range masks {
				id, err := plate.WellID(m.Well)
				if err != nil {
					id = fmt.Sprintf("#%d", m.Well)
				}
				fmt.Fprintf(w, "%s\t%s\t%dx%d\t%d\t%s\n", id, m.Channel, m.Width, m.Height, m.NumLabels, m.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <well>...",
		Short: "Delete stored masks so the wells are segmented again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wells, err := parseWells(args)
			if err != nil {
				return err
			}
			store, err := root.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			for _, well := range wells {
				id, _ := plate.WellID(well)
				removed, err := store.DeleteMask(cmd.Context(), root.exp.Name, well, maskChannel())
				if err != nil {
					return fmt.Errorf("well %s: %w", id, err)
				}
				if !removed {
					root.log.Warn("no stored mask", "experiment", root.exp.Name, "well", id, "channel", maskChannel())
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted mask of %s\n", id)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd, deleteCmd)
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		// init must work before a valid config exists
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			path := root.configPath
			if len(args) > 0 {
				path = args[0]
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", path)
				}
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to: %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(root.cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# config file: %s\n", root.configPath)
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
