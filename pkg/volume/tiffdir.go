package volume

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"wellplate/internal/models"
	"wellplate/pkg/colormap"
)

// ManifestFile is the experiment description inside a TIFF directory
const ManifestFile = "experiment.yaml"

// Manifest describes an experiment stored as one TIFF file per well and channel
type Manifest struct {
	Wells    int               `yaml:"wells"`
	Width    int               `yaml:"width"`
	Height   int               `yaml:"height"`
	Channels []ManifestChannel `yaml:"channels"`
}

// ManifestChannel names a channel and its display color
type ManifestChannel struct {
	Name  string `yaml:"name"`
	Color string `yaml:"color"`
}

// PlaneFileName returns the file holding a well's channel plane
func PlaneFileName(well, channel int) string {
	return fmt.Sprintf("w%03d_c%02d.tif", well, channel)
}

// TIFFDir lazily loads planes from a directory of 16-bit TIFF files and
// caches them once read
type TIFFDir struct {
	dir      string
	shape    Shape
	channels *models.ChannelTable

	// maxCached bounds the number of planes kept in memory, 0 means unbounded
	maxCached int

	mu    sync.Mutex
	cache map[[2]int][]uint16
	order [][2]int
}

// OpenTIFFDir reads the manifest of a TIFF directory
func OpenTIFFDir(dir string, maxCached int) (*TIFFDir, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("error reading experiment manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error parsing experiment manifest: %w", err)
	}
	if m.Wells <= 0 || m.Width <= 0 || m.Height <= 0 || len(m.Channels) == 0 {
		return nil, fmt.Errorf("experiment manifest must define wells, width, height and channels")
	}

	infos := make([]models.ChannelInfo, len(m.Channels))
	for i, ch := range m.Channels {
		c, err := colormap.ParseHex(ch.Color)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", ch.Name, err)
		}
		infos[i] = models.ChannelInfo{Name: ch.Name, Color: c}
	}
	table, err := models.NewChannelTable(infos)
	if err != nil {
		return nil, err
	}

	return &TIFFDir{
		dir:       dir,
		shape:     Shape{Wells: m.Wells, Channels: len(m.Channels), Height: m.Height, Width: m.Width},
		channels:  table,
		maxCached: maxCached,
		cache:     make(map[[2]int][]uint16),
	}, nil
}

func (d *TIFFDir) Shape() Shape {
	return d.shape
}

func (d *TIFFDir) Channels() *models.ChannelTable {
	return d.channels
}

// Plane returns a cached plane or reads it from disk
func (d *TIFFDir) Plane(ctx context.Context, well, channel int) ([]uint16, error) {
	if well < 0 || well >= d.shape.Wells {
		return nil, fmt.Errorf("well index %d out of range [0, %d)", well, d.shape.Wells)
	}
	if channel < 0 || channel >= d.shape.Channels {
		return nil, fmt.Errorf("channel index %d out of range [0, %d)", channel, d.shape.Channels)
	}
	key := [2]int{well, channel}

	d.mu.Lock()
	plane, ok := d.cache[key]
	d.mu.Unlock()
	if ok {
		return plane, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(d.dir, PlaneFileName(well, channel))
	plane, width, height, err := ReadPlaneFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading well %d channel %d: %w", well, channel, err)
	}
	if width != d.shape.Width || height != d.shape.Height {
		return nil, fmt.Errorf("%s is %dx%d, expected %dx%d", path, width, height, d.shape.Width, d.shape.Height)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cached, ok := d.cache[key]; ok {
		return cached, nil
	}
	d.cache[key] = plane
	d.order = append(d.order, key)
	if d.maxCached > 0 && len(d.order) > d.maxCached {
		evict := d.order[0]
		d.order = d.order[1:]
		delete(d.cache, evict)
	}
	return plane, nil
}

// WriteTIFFDir stores a dense volume as a TIFF directory with its manifest
func WriteTIFFDir(dir string, vol *models.Volume, infos []models.ChannelInfo) error {
	if len(infos) != vol.Channels {
		return fmt.Errorf("volume has %d channels but %d channel descriptions", vol.Channels, len(infos))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating volume directory: %w", err)
	}

	m := Manifest{Wells: vol.Wells, Width: vol.Width, Height: vol.Height}
	for _, info := range infos {
		m.Channels = append(m.Channels, ManifestChannel{Name: info.Name, Color: colormap.Hex(info.Color)})
	}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("error marshaling manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0644); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}

	for w := 0; w < vol.Wells; w++ {
		for c := 0; c < vol.Channels; c++ {
			plane, err := vol.Plane(w, c)
			if err != nil {
				return err
			}
			if err := WritePlaneFile(filepath.Join(dir, PlaneFileName(w, c)), plane, vol.Width, vol.Height); err != nil {
				return fmt.Errorf("error writing well %d channel %d: %w", w, c, err)
			}
		}
	}
	return nil
}
