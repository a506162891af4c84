// Package culler answers visibility and screen footprint questions about axis aligned cubes.
package culler

import (
	"github.com/go-gl/mathgl/mgl32"
)

// Bounds is an axis aligned cube.
type Bounds struct {
	Center    mgl32.Vec3
	HalfWidth float32
}

// Min returns the lowest corner of the cube.
func (b Bounds) Min() mgl32.Vec3 {
	return b.Center.Sub(mgl32.Vec3{b.HalfWidth, b.HalfWidth, b.HalfWidth})
}

// Max returns the highest corner of the cube.
func (b Bounds) Max() mgl32.Vec3 {
	return b.Center.Add(mgl32.Vec3{b.HalfWidth, b.HalfWidth, b.HalfWidth})
}

// Corners returns the eight corners of the cube, indexed by the same octant code the octree uses.
func (b Bounds) Corners() [8]mgl32.Vec3 {
	var corners [8]mgl32.Vec3
	for i := range corners {
		corner := b.Center
		for axis := 0; axis < 3; axis++ {
			if i&(1<<axis) != 0 {
				corner[axis] += b.HalfWidth
			} else {
				corner[axis] -= b.HalfWidth
			}
		}
		corners[i] = corner
	}
	return corners
}

// Contains reports whether p lies in the closed cube.
func (b Bounds) Contains(p mgl32.Vec3) bool {
	for axis := 0; axis < 3; axis++ {
		d := p[axis] - b.Center[axis]
		if d < -b.HalfWidth || d > b.HalfWidth {
			return false
		}
	}
	return true
}

// A Culler decides which cubes are worth drawing for a given camera.
type Culler interface {
	// IsVisible reports whether any part of the cube may be inside the view volume.
	IsVisible(b Bounds, viewProjection mgl32.Mat4) bool
	// ProjectedFootprint returns the on-screen size of the cube in pixels.
	ProjectedFootprint(b Bounds, viewProjection mgl32.Mat4, viewportSize mgl32.Vec2) float32
}

// Always is a Culler that reports everything visible with a fixed footprint.
type Always struct {
	Footprint float32
}

// IsVisible always returns true.
func (a Always) IsVisible(Bounds, mgl32.Mat4) bool {
	return true
}

// ProjectedFootprint returns the configured footprint.
func (a Always) ProjectedFootprint(Bounds, mgl32.Mat4, mgl32.Vec2) float32 {
	return a.Footprint
}
