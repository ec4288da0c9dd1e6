package plate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadFile reads plate metadata from a .csv or .xml file
func LoadFile(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening metadata file: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return LoadCSV(f)
	case ".xml":
		pf, err := LoadPlateXML(f)
		if err != nil {
			return nil, err
		}
		return pf.Metadata, nil
	default:
		return nil, fmt.Errorf("unsupported metadata format %q", filepath.Ext(path))
	}
}
