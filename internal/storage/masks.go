package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"wellplate/internal/models"
)

// SaveMask stores a label mask as a zstd-compressed little-endian int32 blob,
// replacing any mask of the same experiment, well and channel.
func (s *Store) SaveMask(ctx context.Context, experiment string, well int, channel string, mask *models.LabelMask) error {
	if s == nil {
		return nil
	}
	if mask == nil || len(mask.Labels) != mask.Width*mask.Height {
		return fmt.Errorf("invalid mask for well %d channel %q", well, channel)
	}

	raw := make([]byte, 4*len(mask.Labels))
	for i, l := range mask.Labels {
		binary.LittleEndian.PutUint32(raw[4*i:], uint32(l))
	}
	blob := s.encoder.EncodeAll(raw, nil)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.DB.ExecContext(ctx, `INSERT OR REPLACE INTO label_masks (experiment, well_index, channel, width, height, num_labels, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		experiment, well, channel, mask.Width, mask.Height, mask.MaxLabel(), blob, formatTime(time.Now()))
	return err
}

// LoadMask returns the stored mask or models.ErrMaskNotFound.
func (s *Store) LoadMask(ctx context.Context, experiment string, well int, channel string) (*models.LabelMask, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var width, height int
	var blob []byte
	err := s.DB.QueryRowContext(ctx, `SELECT width, height, data FROM label_masks WHERE experiment=? AND well_index=? AND channel=?;`, experiment, well, channel).
		Scan(&width, &height, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: experiment %q well %d channel %q", models.ErrMaskNotFound, experiment, well, channel)
	}
	if err != nil {
		return nil, err
	}

	raw, err := s.decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress mask: %w", err)
	}
	if len(raw) != 4*width*height {
		return nil, fmt.Errorf("mask blob has %d bytes, expected %d", len(raw), 4*width*height)
	}
	mask := models.NewLabelMask(width, height)
	for i := range mask.Labels {
		mask.Labels[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return mask, nil
}

// HasMask reports whether a mask is stored for the well and channel.
func (s *Store) HasMask(ctx context.Context, experiment string, well int, channel string) (bool, error) {
	if s == nil {
		return false, nil
	}
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM label_masks WHERE experiment=? AND well_index=? AND channel=?;`, experiment, well, channel).Scan(&n)
	return n > 0, err
}

// DeleteMask removes a stored mask. It reports whether a mask was removed.
func (s *Store) DeleteMask(ctx context.Context, experiment string, well int, channel string) (bool, error) {
	if s == nil {
		return false, nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.DB.ExecContext(ctx, `DELETE FROM label_masks WHERE experiment=? AND well_index=? AND channel=?;`, experiment, well, channel)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MaskInfo summarizes a stored mask.
type MaskInfo struct {
	Well      int
	Channel   string
	Width     int
	Height    int
	NumLabels int
	CreatedAt time.Time
}

// Masks lists the stored masks of an experiment channel in well order.
func (s *Store) Masks(ctx context.Context, experiment, channel string) ([]MaskInfo, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT well_index, channel, width, height, num_labels, created_at FROM label_masks WHERE experiment=? AND channel=? ORDER BY well_index;`, experiment, channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MaskInfo
	for rows.Next() {
		var m MaskInfo
		var created string
		if err := rows.Scan(&m.Well, &m.Channel, &m.Width, &m.Height, &m.NumLabels, &created); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MaskSet is the label mask store of a single experiment. It serves both the
// segmentation runner and the composite mask overlays.
type MaskSet struct {
	store      *Store
	experiment string
}

// ExperimentMasks returns the mask store of an experiment
func (s *Store) ExperimentMasks(experiment string) *MaskSet {
	return &MaskSet{store: s, experiment: experiment}
}

// Experiment returns the experiment the set is scoped to
func (m *MaskSet) Experiment() string {
	return m.experiment
}

// LoadMask returns the stored mask or models.ErrMaskNotFound
func (m *MaskSet) LoadMask(ctx context.Context, well int, channel string) (*models.LabelMask, error) {
	return m.store.LoadMask(ctx, m.experiment, well, channel)
}

// SaveMask stores a mask, replacing any previous one
func (m *MaskSet) SaveMask(ctx context.Context, well int, channel string, mask *models.LabelMask) error {
	return m.store.SaveMask(ctx, m.experiment, well, channel, mask)
}

// HasMask reports whether a mask is stored
func (m *MaskSet) HasMask(ctx context.Context, well int, channel string) (bool, error) {
	return m.store.HasMask(ctx, m.experiment, well, channel)
}
