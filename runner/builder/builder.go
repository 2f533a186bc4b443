package builder

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// DataType represents the precision of numerical data
type DataType int

const (
	Float32 DataType = iota + 1
	Float64
	INT32
	INT64
)

// String returns the C name of the type
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float"
	case Float64:
		return "double"
	case INT32:
		return "int"
	case INT64:
		return "long"
	default:
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
}

// AlignmentType specifies memory alignment requirements
type AlignmentType int

const (
	NoAlignment    AlignmentType = 1
	CacheLineAlign AlignmentType = 64
	WarpAlign      AlignmentType = 128
	PageAlign      AlignmentType = 4096
)

// ArraySpec defines user requirements for array allocation
type ArraySpec struct {
	Name      string
	Size      int64 // bytes
	Alignment AlignmentType
	DataType  DataType
	IsOutput  bool
}

// Builder lays out a one dimensional range as a set of workgroups and
// generates the kernel preamble that addresses them.
//
// Workgroup part holds K[part] elements; the @inner loop of every kernel
// runs KpartMax iterations and masks with K[part].
type Builder struct {
	// Workgroup layout
	NumValues     int
	WorkGroupSize int
	NumPartitions int
	K             []int
	KpartMax      int

	// Type configuration
	FloatType DataType
	IntType   DataType

	// Static data to embed
	StaticMatrices map[string]mat.Matrix

	// Array tracking for macro generation
	AllocatedArrays []string

	// Generated code
	KernelPreamble string
}

// Config holds configuration for creating a Builder
type Config struct {
	NumValues     int // global range
	WorkGroupSize int // local range
	FloatType     DataType
	IntType       DataType
}

// NewBuilder creates a new Builder instance
func NewBuilder(cfg Config) *Builder {
	if cfg.NumValues <= 0 {
		panic(fmt.Sprintf("NumValues must be positive, got %d", cfg.NumValues))
	}
	if cfg.WorkGroupSize <= 0 {
		panic(fmt.Sprintf("WorkGroupSize must be positive, got %d", cfg.WorkGroupSize))
	}

	// Set defaults, a float on the device is a cl_float on the host
	floatType := cfg.FloatType
	if floatType == 0 {
		floatType = Float32
	}
	intType := cfg.IntType
	if intType == 0 {
		intType = INT32
	}

	kb := &Builder{
		NumValues:       cfg.NumValues,
		WorkGroupSize:   cfg.WorkGroupSize,
		FloatType:       floatType,
		IntType:         intType,
		StaticMatrices:  make(map[string]mat.Matrix),
		AllocatedArrays: []string{},
	}
	kb.K = WorkGroups(cfg.NumValues, cfg.WorkGroupSize)
	kb.NumPartitions = len(kb.K)
	for _, k := range kb.K {
		if k > kb.KpartMax {
			kb.KpartMax = k
		}
	}
	return kb
}

// WorkGroups splits n items into groups of at most wgs items.
// Only the last group may be short.
func WorkGroups(n, wgs int) []int {
	if n <= 0 || wgs <= 0 {
		return nil
	}
	groups := make([]int, 0, (n+wgs-1)/wgs)
	for remaining := n; remaining > 0; remaining -= wgs {
		groups = append(groups, min(remaining, wgs))
	}
	return groups
}

// AddStaticMatrix adds a matrix to be embedded as static const in kernels
func (kb *Builder) AddStaticMatrix(name string, m mat.Matrix) {
	kb.StaticMatrices[name] = m
}

// GetAllocatedArrays returns the arrays tracked for macro generation
func (kb *Builder) GetAllocatedArrays() []string {
	return kb.AllocatedArrays
}

// GetTotalElements returns sum of all K values
func (kb *Builder) GetTotalElements() int {
	total := 0
	for _, k := range kb.K {
		total += k
	}
	return total
}

// GetIntSize returns the size of int type in bytes
func (kb *Builder) GetIntSize() int {
	if kb.IntType == INT32 {
		return 4
	}
	return 8
}

// ValueSize returns the size in bytes of one value of the data type
func ValueSize(dt DataType) int64 {
	switch dt {
	case Float32, INT32:
		return 4
	default:
		return 8
	}
}

// CalculateAlignedOffsetsAndSize computes workgroup offsets with alignment.
// Offsets are in units of values so that ptr + offset works in the kernel.
// The last offset bounds the array; the byte size covers it.
func (kb *Builder) CalculateAlignedOffsetsAndSize(spec ArraySpec) ([]int64, int64) {
	offsets := make([]int64, kb.NumPartitions+1)
	valueSize := ValueSize(spec.DataType)
	valuesPerElement := kb.ValuesPerElement(spec)

	alignment := int64(spec.Alignment)
	if alignment == 0 {
		alignment = int64(NoAlignment)
	}
	currentByteOffset := int64(0)

	for i := 0; i < kb.NumPartitions; i++ {
		currentByteOffset = alignUp(currentByteOffset, alignment)
		offsets[i] = currentByteOffset / valueSize
		currentByteOffset += int64(kb.K[i]) * valuesPerElement * valueSize
	}

	currentByteOffset = alignUp(currentByteOffset, alignment)
	offsets[kb.NumPartitions] = currentByteOffset / valueSize

	return offsets, offsets[kb.NumPartitions] * valueSize
}

// ValuesPerElement returns how many values of spec belong to one element
// of the global range, e.g. 3 for packed xyz vertices.
func (kb *Builder) ValuesPerElement(spec ArraySpec) int64 {
	bytesPerElement := spec.Size / int64(kb.GetTotalElements())
	return bytesPerElement / ValueSize(spec.DataType)
}

func alignUp(offset, alignment int64) int64 {
	if offset%alignment != 0 {
		return ((offset + alignment - 1) / alignment) * alignment
	}
	return offset
}

// GeneratePreamble generates the kernel preamble with static data and utilities
func (kb *Builder) GeneratePreamble() string {
	var sb strings.Builder

	// 1. Type definitions and constants
	sb.WriteString(kb.generateTypeDefinitions())

	// 2. Static matrix declarations
	sb.WriteString(kb.generateStaticMatrices())

	// 3. Workgroup access macros
	sb.WriteString(kb.generatePartitionMacros())

	kb.KernelPreamble = sb.String()
	return kb.KernelPreamble
}

// generateTypeDefinitions creates type definitions based on precision settings
func (kb *Builder) generateTypeDefinitions() string {
	var sb strings.Builder

	floatSuffix := ""
	if kb.FloatType == Float32 {
		floatSuffix = "f"
	}

	sb.WriteString(fmt.Sprintf("typedef %s real_t;\n", kb.FloatType))
	sb.WriteString(fmt.Sprintf("typedef %s int_t;\n", kb.IntType))
	sb.WriteString(fmt.Sprintf("#define REAL_ZERO 0.0%s\n", floatSuffix))
	sb.WriteString(fmt.Sprintf("#define REAL_ONE 1.0%s\n", floatSuffix))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("#define NPART %d\n", kb.NumPartitions))
	sb.WriteString(fmt.Sprintf("#define KpartMax %d\n", kb.KpartMax))
	sb.WriteString(fmt.Sprintf("#define NVALUES %d\n", kb.NumValues))
	sb.WriteString("\n")

	return sb.String()
}

// generateStaticMatrices converts matrices to static array initializations.
// Matrices are emitted in name order so that the preamble is stable.
func (kb *Builder) generateStaticMatrices() string {
	if len(kb.StaticMatrices) == 0 {
		return ""
	}

	names := make([]string, 0, len(kb.StaticMatrices))
	for name := range kb.StaticMatrices {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("// Static matrices\n")
	for _, name := range names {
		sb.WriteString(kb.formatStaticMatrix(name, kb.StaticMatrices[name]))
	}
	return sb.String()
}

// formatStaticMatrix formats a single matrix as a static C array
func (kb *Builder) formatStaticMatrix(name string, m mat.Matrix) string {
	rows, cols := m.Dims()
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("const %s %s[%d][%d] = {\n", kb.FloatType, name, rows, cols))

	for i := 0; i < rows; i++ {
		sb.WriteString("    {")
		for j := 0; j < cols; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			val := m.At(i, j)
			if kb.FloatType == Float32 {
				sb.WriteString(fmt.Sprintf("%.9ef", val))
			} else {
				sb.WriteString(fmt.Sprintf("%.17e", val))
			}
		}
		sb.WriteString("}")
		if i < rows-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("};\n\n")

	return sb.String()
}

// generatePartitionMacros creates macros for workgroup data access
func (kb *Builder) generatePartitionMacros() string {
	var sb strings.Builder

	sb.WriteString("// Workgroup access macros\n")

	for _, arrayName := range kb.AllocatedArrays {
		sb.WriteString(fmt.Sprintf("#define %s_PART(part) (%s_global + %s_offsets[part])\n",
			arrayName, arrayName, arrayName))
	}

	if len(kb.AllocatedArrays) > 0 {
		sb.WriteString("\n")
	}

	return sb.String()
}
