package builder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestWorkGroups(t *testing.T) {
	testCases := []struct {
		name     string
		n, wgs   int
		expected []int
	}{
		{"exact", 1024, 256, []int{256, 256, 256, 256}},
		{"single", 1024, 1024, []int{1024}},
		{"short_tail", 10, 3, []int{3, 3, 3, 1}},
		{"wgs_larger", 5, 64, []int{5}},
		{"empty", 0, 64, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, WorkGroups(tc.n, tc.wgs))
		})
	}
}

func TestNewBuilder(t *testing.T) {
	kb := NewBuilder(Config{NumValues: 1024, WorkGroupSize: 256})

	assert.Equal(t, 4, kb.NumPartitions)
	assert.Equal(t, 256, kb.KpartMax)
	assert.Equal(t, 1024, kb.GetTotalElements())
	assert.Equal(t, Float32, kb.FloatType, "a device float is a cl_float by default")
	assert.Equal(t, INT32, kb.IntType)
	assert.Equal(t, 4, kb.GetIntSize())

	assert.Panics(t, func() { NewBuilder(Config{NumValues: 0, WorkGroupSize: 8}) })
	assert.Panics(t, func() { NewBuilder(Config{NumValues: 8, WorkGroupSize: 0}) })
}

func TestCalculateAlignedOffsetsAndSize(t *testing.T) {
	kb := NewBuilder(Config{NumValues: 10, WorkGroupSize: 3})

	t.Run("contiguous", func(t *testing.T) {
		offsets, size := kb.CalculateAlignedOffsetsAndSize(ArraySpec{
			Name: "a", Size: 10 * 4, DataType: Float32,
		})
		assert.Equal(t, []int64{0, 3, 6, 9, 10}, offsets)
		assert.Equal(t, int64(40), size)
	})

	t.Run("cache_line", func(t *testing.T) {
		offsets, size := kb.CalculateAlignedOffsetsAndSize(ArraySpec{
			Name: "a", Size: 10 * 4, DataType: Float32, Alignment: CacheLineAlign,
		})
		assert.Equal(t, []int64{0, 16, 32, 48, 64}, offsets)
		assert.Equal(t, int64(256), size)
	})

	t.Run("three_values_per_element", func(t *testing.T) {
		spec := ArraySpec{Name: "xyz", Size: 30 * 8, DataType: Float64}
		assert.Equal(t, int64(3), kb.ValuesPerElement(spec))
		offsets, size := kb.CalculateAlignedOffsetsAndSize(spec)
		assert.Equal(t, []int64{0, 9, 18, 27, 30}, offsets)
		assert.Equal(t, int64(240), size)
	})
}

func TestGeneratePreamble(t *testing.T) {
	kb := NewBuilder(Config{NumValues: 1024, WorkGroupSize: 256})
	kb.AllocatedArrays = append(kb.AllocatedArrays, "input", "output")
	kb.AddStaticMatrix("M", mat.NewDense(2, 2, []float64{1, 2, 3, 4}))

	preamble := kb.GeneratePreamble()

	for _, want := range []string{
		"typedef float real_t;",
		"typedef int int_t;",
		"#define NPART 4",
		"#define KpartMax 256",
		"#define NVALUES 1024",
		"const float M[2][2] = {",
		"#define input_PART(part) (input_global + input_offsets[part])",
		"#define output_PART(part) (output_global + output_offsets[part])",
	} {
		assert.Contains(t, preamble, want)
	}
	assert.Equal(t, preamble, kb.KernelPreamble)

	kb64 := NewBuilder(Config{NumValues: 8, WorkGroupSize: 8, FloatType: Float64, IntType: INT64})
	preamble = kb64.GeneratePreamble()
	assert.True(t, strings.HasPrefix(preamble, "typedef double real_t;\ntypedef long int_t;\n"))
}

func TestParamSpec(t *testing.T) {
	data := make([]float32, 16)

	t.Run("infer_slice", func(t *testing.T) {
		p := Input("in").Bind(data)
		assert.Equal(t, Float32, p.Spec.DataType)
		assert.Equal(t, int64(16), p.Spec.Size)
		assert.True(t, p.Spec.IsConst())
		require.NoError(t, p.Spec.Validate())
	})

	t.Run("infer_scalar", func(t *testing.T) {
		p := Scalar("alpha").Bind(2.5)
		assert.Equal(t, Float64, p.Spec.DataType)
		require.NoError(t, p.Spec.Validate())
	})

	t.Run("infer_matrix", func(t *testing.T) {
		p := Input("M").Bind(mat.NewDense(4, 4, nil)).ToMatrix().Static()
		assert.Equal(t, 4, p.Spec.MatrixRows)
		assert.Equal(t, int64(16), p.Spec.Size)
		require.NoError(t, p.Spec.Validate())
	})

	t.Run("convert", func(t *testing.T) {
		p := Output("out").Bind(make([]float64, 4)).Convert(Float32).CopyBack()
		assert.Equal(t, Float32, p.Spec.GetEffectiveType())
		assert.False(t, p.Spec.IsConst())
		assert.True(t, p.Spec.NeedsCopyBack())
		assert.False(t, p.Spec.NeedsCopyTo())
	})

	t.Run("invalid", func(t *testing.T) {
		assert.Error(t, Input("").Bind(data).Spec.Validate())
		assert.Error(t, Output("out").Spec.Validate())
		assert.Error(t, Scalar("s").Spec.Validate())
		assert.Error(t, Temp("tmp").Type(Float32).Size(4).Copy().Spec.Validate())
		assert.Error(t, Input("M").ToMatrix().Static().Type(Float64).Size(4).Spec.Validate())
	})
}
