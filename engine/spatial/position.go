package spatial

import (
	"fmt"
	"math"
)

// Coord is the type of position coordinates (x, y, z)
type Coord float32

// Position is the position of an object or observer
type Position struct {
	X Coord
	Y Coord
	Z Coord
}

func (p Position) String() string {
	return fmt.Sprintf("(%.1f, %.1f, %.1f)", p.X, p.Y, p.Z)
}

// DistanceTo calculates distance between two positions
func (p Position) DistanceTo(o Position) Coord {
	dx := p.X - o.X
	dy := p.Y - o.Y
	dz := p.Z - o.Z
	return Coord(math.Sqrt(float64(dx*dx + dy*dy + dz*dz)))
}
