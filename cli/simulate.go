package cli

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/octstream/catalog"
	"go.viam.com/octstream/culler"
	"go.viam.com/octstream/octree"
)

var simulateViewport = mgl32.Vec2{1920, 1080}

// orbitViewProjection returns the camera of one frame of a full orbit around the origin.
func orbitViewProjection(frame, frames int, radius float32) mgl32.Mat4 {
	angle := 2 * math.Pi * float64(frame) / float64(frames)
	eye := mgl32.Vec3{
		radius * float32(math.Cos(angle)),
		radius * 0.3,
		radius * float32(math.Sin(angle)),
	}
	view := mgl32.LookAtV(eye, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0})
	projection := mgl32.Perspective(mgl32.DegToRad(60), simulateViewport.X()/simulateViewport.Y(), radius/1000, radius*4)
	return projection.Mul4(view)
}

// SimulateAction streams a uniform star field through a frustum culled camera orbit and prints
// what every frame uploaded.
func SimulateAction(c *cli.Context) (err error) {
	points := c.Int(simulateFlagPoints)
	frames := c.Int(simulateFlagFrames)
	if points < 0 || frames <= 0 {
		return errors.Errorf("--%s must not be negative and --%s must be positive", simulateFlagPoints, simulateFlagFrames)
	}

	env, err := newEnvironment(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, env.close())
	}()
	opts, err := env.options()
	if err != nil {
		return err
	}

	m, err := octree.NewManager(opts, culler.NewFrustumCuller(), env.octreeLogger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, m.Close())
	}()
	if _, err := m.InsertAll(catalog.Uniform(points, opts.MaxDist, c.Int64(simulateFlagSeed))); err != nil {
		return err
	}
	printf(c.App.Writer, "simulating %d frames over %d stars in %d nodes", frames, m.NumPoints(), m.TotalNodes())

	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"Frame", "Updated Slots", "Uploaded Floats", "Delta", "Rendered", "Resident", "High Water"})
	radius := opts.MaxDist * float32(c.Float64(simulateFlagDistance))
	resident := make([]int, 0, frames)
	for frame := 0; frame < frames; frame++ {
		if err := c.Context.Err(); err != nil {
			return err
		}
		updates, delta := m.TraverseData(orbitViewProjection(frame, frames, radius), simulateViewport)
		uploaded := 0
		for _, payload := range updates {
			uploaded += len(payload)
		}
		frameStats := m.Stats()
		resident = append(resident, frameStats.ResidentSlots)
		t.AppendRow(table.Row{
			frame,
			len(updates),
			uploaded,
			delta,
			frameStats.RenderedPoints,
			frameStats.ResidentSlots,
			frameStats.BiggestChunkIndexInUse,
		})
	}
	t.Render()

	if exhausted := m.Stats().CapacityExhausted; exhausted > 0 {
		warningf(c.App.ErrWriter, "ran out of buffer slots %d times; raise streaming.max_slots", exhausted)
	}
	return printOccupancy(c.App.Writer, "Resident slots per frame", resident)
}
