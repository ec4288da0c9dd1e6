package visualization

import (
	"fmt"
	"strconv"
	"strings"

	"wellplate/internal/models"
)

// ParseChannelSpec parses "<name>:<low>:<high>"; the name may itself contain colons
func ParseChannelSpec(spec string) (string, models.DisplayRange, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 3 {
		return "", models.DisplayRange{}, fmt.Errorf("channel %q: expected <name>:<low>:<high>", spec)
	}
	n := len(parts)
	name := strings.Join(parts[:n-2], ":")
	low, err := strconv.Atoi(parts[n-2])
	if err != nil {
		return "", models.DisplayRange{}, fmt.Errorf("channel %q: invalid low bound: %w", spec, err)
	}
	high, err := strconv.Atoi(parts[n-1])
	if err != nil {
		return "", models.DisplayRange{}, fmt.Errorf("channel %q: invalid high bound: %w", spec, err)
	}
	if name == "" {
		return "", models.DisplayRange{}, fmt.Errorf("channel %q: empty name", spec)
	}
	return name, models.DisplayRange{Low: low, High: high}, nil
}

// ChannelsFromSpecs builds composite settings in which only the listed
// channels are enabled. specs are "<name>:<low>:<high>" intensity channels,
// overlays name the segmented channels whose masks are drawn. Colors are
// taken from colors by channel name.
func ChannelsFromSpecs(specs, overlays []string, colors map[string]models.RGB) ([]models.Channel, error) {
	var out []models.Channel
	for _, spec := range specs {
		name, rng, err := ParseChannelSpec(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Channel{
			Name:    name,
			Color:   colors[name],
			Enabled: true,
			Range:   rng,
		})
	}
	for _, name := range overlays {
		out = append(out, models.Channel{
			Name:    name + " mask",
			Enabled: true,
			Kind:    models.MaskOverlayChannel,
			MaskOf:  name,
		})
	}
	return out, nil
}
