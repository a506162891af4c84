package culler

import (
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
)

// Plane indices as extracted by Planes.
const (
	PlaneLeft = iota
	PlaneRight
	PlaneBottom
	PlaneTop
	PlaneNear
	PlaneFar
)

// Plane is `Normal · p + Distance = 0`. Points with a positive left hand side are inside.
type Plane struct {
	Normal   mgl32.Vec3
	Distance float32
}

// Planes extracts the six normalized frustum planes of an OpenGL style (clip z in [-w, w])
// column-major view-projection matrix with the Gribb/Hartmann method.
func Planes(viewProjection mgl32.Mat4) [6]Plane {
	r0, r1, r2, r3 := viewProjection.Rows()
	raw := [6]mgl32.Vec4{
		PlaneLeft:   r3.Add(r0),
		PlaneRight:  r3.Sub(r0),
		PlaneBottom: r3.Add(r1),
		PlaneTop:    r3.Sub(r1),
		PlaneNear:   r3.Add(r2),
		PlaneFar:    r3.Sub(r2),
	}

	var planes [6]Plane
	for i, p := range raw {
		normal := p.Vec3()
		length := normal.Len()
		if length > 0 {
			planes[i] = Plane{Normal: normal.Mul(1 / length), Distance: p.W() / length}
		} else {
			planes[i] = Plane{Normal: normal, Distance: p.W()}
		}
	}
	return planes
}

// FrustumCuller culls against the view frustum and measures footprints as the diagonal of the
// screen-space rectangle enclosing the projected cube.
type FrustumCuller struct {
	mu         sync.Mutex
	lastMatrix mgl32.Mat4
	planes     [6]Plane
	havePlanes bool
}

// NewFrustumCuller returns a FrustumCuller.
func NewFrustumCuller() *FrustumCuller {
	return &FrustumCuller{}
}

func (fc *FrustumCuller) planesFor(viewProjection mgl32.Mat4) [6]Plane {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.havePlanes || fc.lastMatrix != viewProjection {
		fc.planes = Planes(viewProjection)
		fc.lastMatrix = viewProjection
		fc.havePlanes = true
	}
	return fc.planes
}

// IsVisible tests the cube's positive vertex against every plane. It may report cubes near
// frustum corners as visible when they are not, never the reverse.
func (fc *FrustumCuller) IsVisible(b Bounds, viewProjection mgl32.Mat4) bool {
	for _, plane := range fc.planesFor(viewProjection) {
		positive := b.Center
		for axis := 0; axis < 3; axis++ {
			if plane.Normal[axis] >= 0 {
				positive[axis] += b.HalfWidth
			} else {
				positive[axis] -= b.HalfWidth
			}
		}
		if plane.Normal.Dot(positive)+plane.Distance < 0 {
			return false
		}
	}
	return true
}

// ProjectedFootprint returns the pixel diagonal of the projected cube. A cube with any corner at
// or behind the camera plane returns +Inf.
func (fc *FrustumCuller) ProjectedFootprint(b Bounds, viewProjection mgl32.Mat4, viewportSize mgl32.Vec2) float32 {
	minX, minY := float32(math.Inf(1)), float32(math.Inf(1))
	maxX, maxY := float32(math.Inf(-1)), float32(math.Inf(-1))
	for _, corner := range b.Corners() {
		clip := viewProjection.Mul4x1(corner.Vec4(1))
		if clip.W() <= 0 {
			return float32(math.Inf(1))
		}
		x := (clip.X()/clip.W() + 1) * 0.5 * viewportSize.X()
		y := (clip.Y()/clip.W() + 1) * 0.5 * viewportSize.Y()
		minX, maxX = min(minX, x), max(maxX, x)
		minY, maxY = min(minY, y), max(maxY, y)
	}
	return mgl32.Vec2{maxX - minX, maxY - minY}.Len()
}
