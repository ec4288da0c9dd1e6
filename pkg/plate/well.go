// Package plate maps well indices to plate coordinates and holds the
// per-well condition metadata of a 96-well plate.
package plate

import (
	"fmt"
	"strconv"
	"strings"
)

// Plate geometry of a 96-well plate
const (
	Rows  = 8
	Cols  = 12
	Wells = Rows * Cols
)

const rowLetters = "ABCDEFGH"

// WellID converts a 0-based well index into its plate id by row-major
// unravel into the 8×12 grid, e.g. 13 -> "B2"
func WellID(index int) (string, error) {
	if index < 0 || index >= Wells {
		return "", fmt.Errorf("well index %d out of range [0, %d)", index, Wells)
	}
	row, col := index/Cols, index%Cols
	return fmt.Sprintf("%c%d", rowLetters[row], col+1), nil
}

// MustWellID is WellID for indices known to be valid
func MustWellID(index int) string {
	id, err := WellID(index)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseWellID converts a plate id such as "H12" back to its 0-based index
func ParseWellID(id string) (int, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if len(id) < 2 {
		return 0, fmt.Errorf("invalid well id %q", id)
	}
	row := strings.IndexByte(rowLetters, id[0])
	if row < 0 {
		return 0, fmt.Errorf("invalid well row in %q", id)
	}
	col, err := strconv.Atoi(id[1:])
	if err != nil || col < 1 || col > Cols {
		return 0, fmt.Errorf("invalid well column in %q", id)
	}
	return row*Cols + col - 1, nil
}

// AllWellIDs returns A1..H12 in index order
func AllWellIDs() []string {
	ids := make([]string, Wells)
	for i := range ids {
		ids[i] = MustWellID(i)
	}
	return ids
}
