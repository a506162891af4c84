// Package octree implements an out-of-core octree of stars that streams the visible part of a
// very large catalog into a fixed pool of GPU buffer slots, one frame at a time.
package octree

import (
	"strings"

	"github.com/pkg/errors"
)

// Per star attribute counts. A star is laid out as position, color then velocity.
const (
	PosSize  = 3
	ColSize  = 2
	VelSize  = 3
	StarSize = PosSize + ColSize + VelSize
)

// Defaults for a tree's shape.
const (
	DefaultMaxStarsPerNode   = 10000
	DefaultMaxDist           = 10
	DefaultMaxDepth          = 24
	DefaultFirstLodDepth     = 3
	DefaultMinTotalPixelsLod = 0
)

const (
	// DefaultIndex is the buffer slot of a node that holds no slot.
	DefaultIndex = -1
	// BinarySuffix is the suffix of serialized trees and branches.
	BinarySuffix = ".bin"
	// CompressedSuffix is the suffix of zstd compressed trees and branches.
	CompressedSuffix = BinarySuffix + ".zst"

	noLod = -1

	// maxDepthLimit bounds MaxDepth. A float32 half width cannot be halved meaningfully further.
	maxDepthLimit = 64
	// maxRecordPoints bounds the point count of a single serialized node.
	maxRecordPoints = 1 << 24
	// numBranches is the number of root children.
	numBranches = 8
)

// RenderOption selects which star attributes are handed to the renderer.
type RenderOption uint8

// The attribute layouts a renderer can ask for.
const (
	// RenderStatic is positions only.
	RenderStatic = RenderOption(iota)
	// RenderColor is positions and colors.
	RenderColor
	// RenderMotion is positions, colors and velocities.
	RenderMotion
)

// ValuesPerStar is the number of floats per star in this layout.
func (option RenderOption) ValuesPerStar() int {
	switch option {
	case RenderStatic:
		return PosSize
	case RenderColor:
		return PosSize + ColSize
	case RenderMotion:
		return StarSize
	}
	return StarSize
}

func (option RenderOption) String() string {
	switch option {
	case RenderStatic:
		return "static"
	case RenderColor:
		return "color"
	case RenderMotion:
		return "motion"
	}
	return "unknown"
}

// RenderOptionFromString parses "static", "color" or "motion".
func RenderOptionFromString(s string) (RenderOption, error) {
	switch strings.ToLower(s) {
	case "static":
		return RenderStatic, nil
	case "color":
		return RenderColor, nil
	case "motion", "":
		return RenderMotion, nil
	}
	return RenderMotion, errors.Errorf("unknown render option %q", s)
}
