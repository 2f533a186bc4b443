package scene

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Camera is a first person camera described by a position and two angles
type Camera struct {
	Position        mgl32.Vec3
	HorizontalAngle float32 // radians, toward -Z at π
	VerticalAngle   float32 // radians
	FoV             float32 // degrees
	Aspect          float32
	Near, Far       float32
}

// NewCamera returns the default camera looking at the origin from +Z
func NewCamera() *Camera {
	return &Camera{
		Position:        mgl32.Vec3{0, 0, 5},
		HorizontalAngle: math.Pi,
		VerticalAngle:   0,
		FoV:             45,
		Aspect:          4.0 / 3.0,
		Near:            0.1,
		Far:             100,
	}
}

// Direction returns the unit view direction
func (c *Camera) Direction() mgl32.Vec3 {
	h, v := float64(c.HorizontalAngle), float64(c.VerticalAngle)
	return mgl32.Vec3{
		float32(math.Cos(v) * math.Sin(h)),
		float32(math.Sin(v)),
		float32(math.Cos(v) * math.Cos(h)),
	}
}

// Right returns the unit right vector, always horizontal
func (c *Camera) Right() mgl32.Vec3 {
	h := float64(c.HorizontalAngle) - math.Pi/2
	return mgl32.Vec3{float32(math.Sin(h)), 0, float32(math.Cos(h))}
}

// Up returns the up vector perpendicular to Direction and Right
func (c *Camera) Up() mgl32.Vec3 {
	return c.Right().Cross(c.Direction())
}

// Projection returns the perspective projection matrix
func (c *Camera) Projection() mgl32.Mat4 {
	return mgl32.Perspective(mgl32.DegToRad(c.FoV), c.Aspect, c.Near, c.Far)
}

// View returns the world to camera matrix
func (c *Camera) View() mgl32.Mat4 {
	return mgl32.LookAtV(c.Position, c.Position.Add(c.Direction()), c.Up())
}

// MVP returns Projection * View * model
func (c *Camera) MVP(model mgl32.Mat4) mgl32.Mat4 {
	return c.Projection().Mul4(c.View()).Mul4(model)
}
