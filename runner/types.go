// runner/types.go
package runner

import (
	"github.com/notargets/clsquare/runner/builder"
)

// SizeOfType returns the size in bytes of a data type
func SizeOfType(dt builder.DataType) int64 {
	return builder.ValueSize(dt)
}

// GetScalarTypeName returns the C type name for scalar parameters
func GetScalarTypeName(dt builder.DataType) string {
	switch dt {
	case builder.Float32, builder.Float64, builder.INT32, builder.INT64:
		return dt.String()
	default:
		return "double"
	}
}
