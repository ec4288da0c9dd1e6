package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"wellplate/internal/logging"
	"wellplate/internal/storage"
	"wellplate/pkg/config"
	"wellplate/pkg/plate"
	"wellplate/pkg/segmentation"
	"wellplate/pkg/volume"
)

// DefaultConfigPath is used when --config is not given
const DefaultConfigPath = "wellplate.yaml"

// Root holds the state shared by all subcommands
type Root struct {
	configPath     string
	logLevel       string
	experimentName string

	cfg      *config.Config
	exp      *config.ExperimentConfig
	log      *slog.Logger
	closeLog func() error
}

// NewRootCmd creates the root Cobra command
func NewRootCmd() *cobra.Command {
	root := &Root{}

	rootCmd := &cobra.Command{
		Use:   "wellplate",
		Short: "Wellplate composites and analyses multichannel plate imaging",
		Long: `Wellplate renders per-well composites of 16-bit multichannel plate images,
segments cells and measures how many of them carry scaffold and epi signal.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return root.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if root.closeLog != nil {
				return root.closeLog()
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&root.configPath, "config", "c", DefaultConfigPath, "configuration file")
	rootCmd.PersistentFlags().StringVar(&root.logLevel, "log-level", "", "override the configured log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVarP(&root.experimentName, "experiment", "e", "", "experiment to work on (default the first configured)")

	rootCmd.AddCommand(newCompositeCmd(root))
	rootCmd.AddCommand(newSegmentCmd(root))
	rootCmd.AddCommand(newAnalyzeCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWellsCmd(root))
	rootCmd.AddCommand(newMasksCmd(root))
	rootCmd.AddCommand(newExperimentsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))

	return rootCmd
}

// Execute runs the command line
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

func (r *Root) setup(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(r.configPath)
	if err != nil {
		return err
	}
	r.cfg = cfg
	if r.exp, err = cfg.Experiment(r.experimentName); err != nil {
		return err
	}

	level := cfg.Logging.Level
	if r.logLevel != "" {
		level = r.logLevel
	}
	log, closeLog, err := logging.Setup(cmd.ErrOrStderr(), level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		return err
	}
	r.log = log
	r.closeLog = closeLog

	r.log.Debug("command parsed", "command", cmd.CommandPath(), "config", r.configPath, "experiment", r.exp.Name)
	return nil
}

func openVolume(exp *config.ExperimentConfig) (*volume.TIFFDir, error) {
	src, err := volume.OpenTIFFDir(exp.VolumeDir, exp.CachedPlanes)
	if err != nil {
		return nil, fmt.Errorf("failed to open experiment %s: %w", exp.Name, err)
	}
	return src, nil
}

func (r *Root) openStore() (*storage.Store, error) {
	store, err := storage.New(r.cfg.Storage.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", r.cfg.Storage.Database, err)
	}
	return store, nil
}

// loadMetadata returns nil without error when the experiment has no metadata
// file or the file does not exist
func (r *Root) loadMetadata(exp *config.ExperimentConfig) (*plate.Metadata, error) {
	if exp.MetadataFile == "" {
		return nil, nil
	}
	md, err := plate.LoadFile(exp.MetadataFile)
	if errors.Is(err, fs.ErrNotExist) {
		r.log.Warn("plate metadata file not found, wells are reported without conditions",
			"experiment", exp.Name, "path", exp.MetadataFile)
		return nil, nil
	}
	return md, err
}

func (r *Root) newOracle() segmentation.Oracle {
	seg := r.cfg.Segmentation
	if seg.Method == "command" {
		return segmentation.CommandOracle{Command: seg.Command, Args: seg.Args}
	}
	return segmentation.ThresholdOracle{MinArea: seg.MinArea, Sigma: seg.SmoothSigma}
}

// parseWell accepts a well index ("13") or a well id ("B2")
func parseWell(s string) (int, error) {
	if i, err := strconv.Atoi(s); err == nil {
		if _, err := plate.WellID(i); err != nil {
			return 0, err
		}
		return i, nil
	}
	return plate.ParseWellID(s)
}

func parseWells(list []string) ([]int, error) {
	var out []int
	for _, item := range list {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			w, err := parseWell(s)
			if err != nil {
				return nil, err
			}
			out = append(out, w)
		}
	}
	return out, nil
}
