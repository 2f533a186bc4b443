package scene

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/notargets/clsquare/runner"
	"github.com/notargets/clsquare/runner/builder"
	"github.com/notargets/gocca"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const transformKernel = "transformVertices"

// VertexMismatchError reports the first vertex outside tolerance
type VertexMismatchError struct {
	Index     int
	Got, Want mgl32.Vec4
}

func (e *VertexMismatchError) Error() string {
	return fmt.Sprintf("vertex %d: got %v, want %v", e.Index, e.Got, e.Want)
}

// MatrixFromMat4 converts a column-major mgl32 matrix into a gonum matrix
func MatrixFromMat4(m mgl32.Mat4) *mat.Dense {
	dense := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			dense.Set(i, j, float64(m.At(i, j)))
		}
	}
	return dense
}

func transformSource(signature string) string {
	return fmt.Sprintf(`
@kernel void %s(
	%s
) {
	for (int part = 0; part < NPART; ++part; @outer) {
		const real_t* vertices = vertices_PART(part);
		real_t* vertices_out = vertices_out_PART(part);

		for (int i = 0; i < KpartMax; ++i; @inner) {
			if (i < K[part]) {
				const real_t x = vertices[3*i];
				const real_t y = vertices[3*i + 1];
				const real_t z = vertices[3*i + 2];
				for (int r = 0; r < 4; ++r) {
					vertices_out[4*i + r] = MVP[r][0]*x + MVP[r][1]*y + MVP[r][2]*z + MVP[r][3];
				}
			}
		}
	}
}`, transformKernel, signature)
}

// TransformVertices computes mvp * (v, 1) for every vertex on the device,
// with the matrix embedded in the kernel as a static constant.
func TransformVertices(device *gocca.OCCADevice, vertices []mgl32.Vec3, mvp mgl32.Mat4, wgs int) ([]mgl32.Vec4, error) {
	if len(vertices) == 0 {
		return nil, fmt.Errorf("no vertices to transform")
	}
	if err := runner.CheckWorkGroupSize(device, len(vertices), wgs); err != nil {
		return nil, err
	}

	in := make([]float32, 0, 3*len(vertices))
	for _, v := range vertices {
		in = append(in, v[0], v[1], v[2])
	}
	out := make([]float32, 4*len(vertices))

	kr := runner.NewRunner(device, builder.Config{
		NumValues:     len(vertices),
		WorkGroupSize: wgs,
		FloatType:     builder.Float32,
	})
	defer kr.Free()

	err := kr.DefineBindings(
		builder.Input("vertices").Bind(in),
		builder.Output("vertices_out").Bind(out),
		builder.Input("MVP").Bind(MatrixFromMat4(mvp)).ToMatrix().Static(),
	)
	if err != nil {
		return nil, err
	}
	if err = kr.AllocateDevice(); err != nil {
		return nil, err
	}

	_, err = kr.ConfigureKernel(transformKernel,
		kr.Param("vertices").CopyTo(),
		kr.Param("vertices_out").CopyBack(),
		kr.Param("MVP"),
	)
	if err != nil {
		return nil, err
	}

	signature, err := kr.GetKernelSignatureForConfig(transformKernel)
	if err != nil {
		return nil, err
	}
	if _, err = kr.BuildKernel(transformSource(signature), transformKernel); err != nil {
		return nil, err
	}
	if err = kr.ExecuteKernel(transformKernel); err != nil {
		return nil, err
	}

	result := make([]mgl32.Vec4, len(vertices))
	for i := range result {
		result[i] = mgl32.Vec4{out[4*i], out[4*i+1], out[4*i+2], out[4*i+3]}
	}
	return result, nil
}

// TransformOnHost is the host reference for TransformVertices
func TransformOnHost(vertices []mgl32.Vec3, mvp mgl32.Mat4) []mgl32.Vec4 {
	out := make([]mgl32.Vec4, len(vertices))
	for i, v := range vertices {
		out[i] = mvp.Mul4x1(v.Vec4(1))
	}
	return out
}

// CompareVertices returns the first vertex whose components differ by more
// than tol, absolutely or relatively.
func CompareVertices(got, want []mgl32.Vec4, tol float64) error {
	if len(got) != len(want) {
		return fmt.Errorf("got %d vertices, want %d", len(got), len(want))
	}
	for i := range got {
		g := []float64{float64(got[i][0]), float64(got[i][1]), float64(got[i][2]), float64(got[i][3])}
		w := []float64{float64(want[i][0]), float64(want[i][1]), float64(want[i][2]), float64(want[i][3])}
		for j := range g {
			if !floats.EqualWithinAbsOrRel(g[j], w[j], tol, tol) {
				return &VertexMismatchError{Index: i, Got: got[i], Want: want[i]}
			}
		}
	}
	return nil
}
