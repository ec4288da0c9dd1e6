// Package volume provides imaging volume sources indexed by well and channel.
package volume

import (
	"context"
	"fmt"

	"wellplate/internal/models"
)

// Shape holds the dimensions of a [well, channel, row, column] volume
type Shape struct {
	Wells    int
	Channels int
	Height   int
	Width    int
}

// Source provides 2D planes of an imaging volume.
// Plane may block on I/O; reads for distinct wells are independent.
type Source interface {
	Shape() Shape
	Channels() *models.ChannelTable
	Plane(ctx context.Context, well, channel int) ([]uint16, error)
}

// Memory serves planes from a dense in-memory volume
type Memory struct {
	vol      *models.Volume
	channels *models.ChannelTable
}

// NewMemory wraps a dense volume with its channel descriptions
func NewMemory(vol *models.Volume, infos []models.ChannelInfo) (*Memory, error) {
	if len(infos) != vol.Channels {
		return nil, fmt.Errorf("volume has %d channels but %d channel descriptions", vol.Channels, len(infos))
	}
	if len(vol.Data) != vol.Wells*vol.Channels*vol.PlaneSize() {
		return nil, fmt.Errorf("volume data has %d samples, expected %d", len(vol.Data), vol.Wells*vol.Channels*vol.PlaneSize())
	}
	table, err := models.NewChannelTable(infos)
	if err != nil {
		return nil, err
	}
	return &Memory{vol: vol, channels: table}, nil
}

func (m *Memory) Shape() Shape {
	return Shape{Wells: m.vol.Wells, Channels: m.vol.Channels, Height: m.vol.Height, Width: m.vol.Width}
}

func (m *Memory) Channels() *models.ChannelTable {
	return m.channels
}

func (m *Memory) Plane(ctx context.Context, well, channel int) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.vol.Plane(well, channel)
}

// PlaneByName resolves a channel name and reads its plane
func PlaneByName(ctx context.Context, src Source, well int, name string) ([]uint16, error) {
	idx, err := src.Channels().Index(name)
	if err != nil {
		return nil, err
	}
	return src.Plane(ctx, well, idx)
}
