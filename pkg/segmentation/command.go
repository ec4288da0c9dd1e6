package segmentation

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"wellplate/internal/models"
	"wellplate/pkg/volume"
)

// CommandOracle delegates segmentation to an external program.
// The program is invoked as `<Command> <Args...> <input.tif> <output.tif>`,
// reads a 16-bit plane and writes a 16-bit label image.
type CommandOracle struct {
	Command string
	Args    []string

	// WorkDir holds the temporary plane files; empty uses the system default
	WorkDir string
}

// Segment runs the external program on one plane
func (o CommandOracle) Segment(ctx context.Context, plane []uint16, width, height int) (*models.LabelMask, error) {
	if o.Command == "" {
		return nil, fmt.Errorf("segmentation command not configured")
	}

	dir, err := os.MkdirTemp(o.WorkDir, "wellplate-seg-")
	if err != nil {
		return nil, fmt.Errorf("error creating work directory: %w", err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input.tif")
	output := filepath.Join(dir, "output.tif")
	if err := volume.WritePlaneFile(input, plane, width, height); err != nil {
		return nil, fmt.Errorf("error writing input plane: %w", err)
	}

	args := append(append([]string(nil), o.Args...), input, output)
	cmd := exec.CommandContext(ctx, o.Command, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", o.Command, err, string(out))
	}

	labels, w, h, err := volume.ReadPlaneFile(output)
	if err != nil {
		return nil, fmt.Errorf("error reading label image: %w", err)
	}
	if w != width || h != height {
		return nil, fmt.Errorf("label image is %dx%d, expected %dx%d", w, h, width, height)
	}

	mask := models.NewLabelMask(width, height)
	for i, l := range labels {
		mask.Labels[i] = int32(l)
	}
	return mask, nil
}
