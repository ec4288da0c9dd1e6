package plate

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// Record is the metadata of a single well
type Record struct {
	WellID string            `json:"well_id"`
	Values map[string]string `json:"values"`
}

// Metadata is the plate condition table keyed by well id
type Metadata struct {
	// Columns lists the condition columns in file order
	Columns []string

	records []Record
	index   map[string]int
}

// NewMetadata creates an empty table with the given condition columns
func NewMetadata(columns []string) *Metadata {
	return &Metadata{
		Columns: append([]string(nil), columns...),
		index:   make(map[string]int),
	}
}

// Set adds or replaces the record of a well
func (m *Metadata) Set(wellID string, values map[string]string) {
	rec := Record{WellID: wellID, Values: make(map[string]string, len(values))}
	for k, v := range values {
		rec.Values[k] = v
	}
	if i, ok := m.index[wellID]; ok {
		m.records[i] = rec
		return
	}
	m.index[wellID] = len(m.records)
	m.records = append(m.records, rec)
}

// Lookup returns the record of a well
func (m *Metadata) Lookup(wellID string) (Record, bool) {
	i, ok := m.index[wellID]
	if !ok {
		return Record{}, false
	}
	return m.records[i], true
}

// Records returns all wells in insertion order
func (m *Metadata) Records() []Record {
	return append([]Record(nil), m.records...)
}

// Len returns the number of wells in the table
func (m *Metadata) Len() int {
	return len(m.records)
}

// Conditions returns the columns usable as plate conditions, skipping note columns
func (m *Metadata) Conditions() []string {
	var out []string
	for _, c := range m.Columns {
		switch c {
		case "Note", "Notes", "NOTES":
			continue
		}
		out = append(out, c)
	}
	return out
}

// LoadCSV reads a metadata table whose first column holds the well id
func LoadCSV(r io.Reader) (*Metadata, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("error reading metadata header: %w", err)
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("metadata header is empty")
	}

	md := NewMetadata(header[1:])
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("error reading metadata line %d: %w", line, err)
		}
		wellID := strings.ToUpper(strings.TrimSpace(row[0]))
		if _, err := ParseWellID(wellID); err != nil {
			return nil, fmt.Errorf("metadata line %d: %w", line, err)
		}
		values := make(map[string]string, len(md.Columns))
		for i, col := range md.Columns {
			if i+1 < len(row) {
				values[col] = row[i+1]
			}
		}
		md.Set(wellID, values)
	}
	return md, nil
}
