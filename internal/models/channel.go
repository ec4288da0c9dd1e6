package models

import (
	"fmt"
)

// MaxIntensity is the largest raw sample value of 16-bit imaging data
const MaxIntensity = 65535

// RGB is a color with components in [0,1]
type RGB [3]float64

// ColorFromPacked decodes a microscope channel color stored as 0xBBGGRR
func ColorFromPacked(packed uint32) RGB {
	r := float64(packed&0xff) / 255
	g := float64((packed&0xff00)>>8) / 255
	b := float64((packed&0xff0000)>>16) / 255
	return RGB{r, g, b}
}

// DisplayRange is the raw intensity window mapped onto the full color ramp
type DisplayRange struct {
	Low  int `json:"low" yaml:"low"`
	High int `json:"high" yaml:"high"`
}

// FullRange covers the whole 16-bit domain
var FullRange = DisplayRange{Low: 0, High: MaxIntensity}

// Validate reports ErrInvalidRange unless 0 <= Low < High <= 65535
func (r DisplayRange) Validate() error {
	if r.Low < 0 || r.High > MaxIntensity {
		return fmt.Errorf("%w: [%d, %d] outside [0, %d]", ErrInvalidRange, r.Low, r.High, MaxIntensity)
	}
	if r.Low >= r.High {
		return fmt.Errorf("%w: low %d must be below high %d", ErrInvalidRange, r.Low, r.High)
	}
	return nil
}

// ChannelKind selects how a channel is colorized
type ChannelKind int

const (
	// IntensityChannel is colorized through a continuous colormap under a display range
	IntensityChannel ChannelKind = iota

	// MaskOverlayChannel draws a label mask with a categorical colormap
	MaskOverlayChannel
)

func (k ChannelKind) String() string {
	switch k {
	case IntensityChannel:
		return "intensity"
	case MaskOverlayChannel:
		return "mask"
	default:
		return "unknown"
	}
}

// ParseChannelKind converts a config string into a ChannelKind
func ParseChannelKind(s string) (ChannelKind, error) {
	switch s {
	case "", "intensity":
		return IntensityChannel, nil
	case "mask":
		return MaskOverlayChannel, nil
	default:
		return IntensityChannel, fmt.Errorf("unknown channel kind %q", s)
	}
}

// Channel is the plain display configuration of one channel
type Channel struct {
	// Name identifies the channel in the volume, e.g. "Bright Field" or "365 nm"
	Name string

	// Color is the color the channel ramps to at full intensity
	Color RGB

	Enabled bool
	Range   DisplayRange
	Kind    ChannelKind

	// MaskOf names the segmented channel whose label mask a mask overlay draws
	MaskOf string
}

// ChannelInfo describes a channel as stored in the imaging volume
type ChannelInfo struct {
	Name  string `json:"name"`
	Color RGB    `json:"color"`
}

// ChannelTable maps channel names to their position in the volume
type ChannelTable struct {
	infos []ChannelInfo
	index map[string]int
}

// NewChannelTable builds a lookup table, rejecting duplicate names
func NewChannelTable(infos []ChannelInfo) (*ChannelTable, error) {
	t := &ChannelTable{
		infos: append([]ChannelInfo(nil), infos...),
		index: make(map[string]int, len(infos)),
	}
	for i, info := range infos {
		if _, dup := t.index[info.Name]; dup {
			return nil, fmt.Errorf("duplicate channel name %q", info.Name)
		}
		t.index[info.Name] = i
	}
	return t, nil
}

// Index returns the volume position of a channel or ErrMissingChannel
func (t *ChannelTable) Index(name string) (int, error) {
	i, ok := t.index[name]
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrMissingChannel, name)
	}
	return i, nil
}

// Infos returns the channels in volume order
func (t *ChannelTable) Infos() []ChannelInfo {
	return append([]ChannelInfo(nil), t.infos...)
}

// Len returns the number of channels
func (t *ChannelTable) Len() int {
	return len(t.infos)
}
