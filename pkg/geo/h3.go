package geo

import (
	"github.com/uber/h3-go/v4"
)

// H3 resolution levels.
// See: https://h3geo.org/docs/core-library/restable
const (
	// H3ResolutionMatching is used for driver presence cells (~175m edge).
	H3ResolutionMatching = 9

	// H3KRingMatching is the k-ring radius for cell-based neighbour scans.
	// At resolution 9, k=4 covers roughly a 1.4 km radius.
	H3KRingMatching = 4
)

// CellString returns the H3 cell hex string for a coordinate at the given
// resolution, or "" when the coordinate is out of range.
func CellString(lat, lng float64, resolution int) string {
	cell, err := h3.LatLngToCell(h3.NewLatLng(lat, lng), resolution)
	if err != nil {
		return ""
	}
	return cell.String()
}

// NeighbourCells returns the hex strings of all cells within k rings of
// the coordinate's cell.
func NeighbourCells(lat, lng float64, resolution, k int) []string {
	origin, err := h3.LatLngToCell(h3.NewLatLng(lat, lng), resolution)
	if err != nil {
		return nil
	}
	cells, err := origin.GridDisk(k)
	if err != nil {
		cells = []h3.Cell{origin}
	}
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = c.String()
	}
	return out
}
