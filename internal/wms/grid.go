package wms

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxGridTiles caps the number of tiles a single area may expand to.
const maxGridTiles = 1_000_000

// ErrInvalidArea is returned for an area that yields no tiles or too many.
var ErrInvalidArea = errors.New("invalid tile area")

// Point is a projected coordinate in the service CRS.
type Point struct {
	X float64
	Y float64
}

// ParsePoint parses "x,y".
func ParsePoint(s string) (Point, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return Point{}, fmt.Errorf("point %q must be x,y", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	if err != nil {
		return Point{}, fmt.Errorf("point %q: invalid x: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if err != nil {
		return Point{}, fmt.Errorf("point %q: invalid y: %w", s, err)
	}
	return Point{X: x, Y: y}, nil
}

func (p Point) String() string {
	return formatCoord(p.X) + "," + formatCoord(p.Y)
}

// BBox is an axis-aligned bounding box in the service CRS.
type BBox struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// CenteredBBox returns the square box of side size centred on p.
func CenteredBBox(p Point, size float64) BBox {
	half := size / 2
	return BBox{MinX: p.X - half, MinY: p.Y - half, MaxX: p.X + half, MaxY: p.Y + half}
}

// String renders the box as the WMS BBOX value "minX,minY,maxX,maxY".
func (b BBox) String() string {
	return strings.Join([]string{
		formatCoord(b.MinX), formatCoord(b.MinY), formatCoord(b.MaxX), formatCoord(b.MaxY),
	}, ",")
}

// FileName is the name a tile for b is stored under.
func (b BBox) FileName() string {
	return "bbox_" + b.String() + ".tif"
}

// Grid lists the tiles covering the area from start (south-west) towards end
// (north-east), row by row from the south. Each tile is a step-sized square
// centred on a grid point; grid points lie at start + k*step and strictly
// below end on both axes.
func Grid(start, end Point, step float64) ([]BBox, error) {
	if step <= 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return nil, fmt.Errorf("%w: step must be positive, got %v", ErrInvalidArea, step)
	}
	cols := countSteps(start.X, end.X, step)
	rows := countSteps(start.Y, end.Y, step)
	if cols == 0 || rows == 0 {
		return nil, fmt.Errorf("%w: end %s must lie north-east of start %s", ErrInvalidArea, end, start)
	}
	if cols*rows > maxGridTiles {
		return nil, fmt.Errorf("%w: %d tiles exceeds the limit of %d", ErrInvalidArea, cols*rows, maxGridTiles)
	}

	tiles := make([]BBox, 0, cols*rows)
	for row := range rows {
		y := start.Y + float64(row)*step
		for col := range cols {
			x := start.X + float64(col)*step
			tiles = append(tiles, CenteredBBox(Point{X: x, Y: y}, step))
		}
	}
	return tiles, nil
}

// countSteps returns how many of from, from+step, ... are strictly below to.
func countSteps(from, to, step float64) int {
	if !(from < to) {
		return 0
	}
	n := math.Ceil((to - from) / step)
	if n > maxGridTiles {
		return maxGridTiles + 1
	}
	count := int(n)
	// Guard the boundary against rounding in the division.
	for count > 0 && from+float64(count-1)*step >= to {
		count--
	}
	return count
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
