package scene

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
)

// Mesh holds triangle corners de-indexed from an OBJ file, ready for upload
// as flat vertex, uv and normal buffers.
type Mesh struct {
	Vertices []mgl32.Vec3
	UVs      []mgl32.Vec2
	Normals  []mgl32.Vec3
}

type faceCorner struct {
	v, vt, vn int // 1-based, 0 when absent
}

// LoadOBJ reads positions, texture coordinates, normals and triangular faces.
// Faces use v, v/vt, v//vn or v/vt/vn corners; negative indices count from
// the end as in the OBJ format. Other statements are ignored.
func LoadOBJ(r io.Reader) (*Mesh, error) {
	var (
		positions []mgl32.Vec3
		uvs       []mgl32.Vec2
		normals   []mgl32.Vec3
		corners   []faceCorner
	)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}

		switch fields[0] {
		case "v":
			v, err := parseFloats(fields[1:], 3)
			if err != nil {
				return nil, fmt.Errorf("line %d: vertex: %w", lineNo, err)
			}
			positions = append(positions, mgl32.Vec3{v[0], v[1], v[2]})
		case "vt":
			v, err := parseFloats(fields[1:], 2)
			if err != nil {
				return nil, fmt.Errorf("line %d: uv: %w", lineNo, err)
			}
			// DDS textures are stored upside down
			uvs = append(uvs, mgl32.Vec2{v[0], 1 - v[1]})
		case "vn":
			v, err := parseFloats(fields[1:], 3)
			if err != nil {
				return nil, fmt.Errorf("line %d: normal: %w", lineNo, err)
			}
			normals = append(normals, mgl32.Vec3{v[0], v[1], v[2]})
		case "f":
			if len(fields) != 4 {
				return nil, fmt.Errorf("line %d: only triangles are supported, got %d corners", lineNo, len(fields)-1)
			}
			for _, field := range fields[1:] {
				c, err := parseCorner(field, len(positions), len(uvs), len(normals))
				if err != nil {
					return nil, fmt.Errorf("line %d: face: %w", lineNo, err)
				}
				corners = append(corners, c)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading obj: %w", err)
	}

	mesh := &Mesh{Vertices: make([]mgl32.Vec3, 0, len(corners))}
	for _, c := range corners {
		mesh.Vertices = append(mesh.Vertices, positions[c.v-1])
		if c.vt > 0 {
			mesh.UVs = append(mesh.UVs, uvs[c.vt-1])
		}
		if c.vn > 0 {
			mesh.Normals = append(mesh.Normals, normals[c.vn-1])
		}
	}
	if len(mesh.UVs) != 0 && len(mesh.UVs) != len(mesh.Vertices) {
		return nil, fmt.Errorf("uvs given for %d of %d corners", len(mesh.UVs), len(mesh.Vertices))
	}
	if len(mesh.Normals) != 0 && len(mesh.Normals) != len(mesh.Vertices) {
		return nil, fmt.Errorf("normals given for %d of %d corners", len(mesh.Normals), len(mesh.Vertices))
	}
	return mesh, nil
}

func parseFloats(fields []string, n int) ([]float32, error) {
	if len(fields) < n {
		return nil, fmt.Errorf("want %d components, got %d", n, len(fields))
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseFloat(fields[i], 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(v)
	}
	return out, nil
}

func parseCorner(field string, nv, nvt, nvn int) (faceCorner, error) {
	parts := strings.Split(field, "/")
	if len(parts) > 3 {
		return faceCorner{}, fmt.Errorf("bad corner %q", field)
	}

	var c faceCorner
	var err error
	if c.v, err = resolveIndex(parts[0], nv); err != nil {
		return c, err
	}
	if c.v == 0 {
		return c, fmt.Errorf("corner %q has no vertex index", field)
	}
	if len(parts) > 1 {
		if c.vt, err = resolveIndex(parts[1], nvt); err != nil {
			return c, err
		}
	}
	if len(parts) > 2 {
		if c.vn, err = resolveIndex(parts[2], nvn); err != nil {
			return c, err
		}
	}
	return c, nil
}

// resolveIndex turns an OBJ index into a 1-based index, 0 for an empty field
func resolveIndex(s string, count int) (int, error) {
	if s == "" {
		return 0, nil
	}
	idx, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if idx < 0 {
		idx = count + idx + 1
	}
	if idx < 1 || idx > count {
		return 0, fmt.Errorf("index %s out of range 1..%d", s, count)
	}
	return idx, nil
}

// Cube is a unit cube centred on the origin with per-face normals and uvs
const Cube = `# unit cube
v -1 -1  1
v  1 -1  1
v  1  1  1
v -1  1  1
v -1 -1 -1
v  1 -1 -1
v  1  1 -1
v -1  1 -1
vt 0 0
vt 1 0
vt 1 1
vt 0 1
vn  0  0  1
vn  0  0 -1
vn  1  0  0
vn -1  0  0
vn  0  1  0
vn  0 -1  0
f 1/1/1 2/2/1 3/3/1
f 1/1/1 3/3/1 4/4/1
f 6/1/2 5/2/2 8/3/2
f 6/1/2 8/3/2 7/4/2
f 2/1/3 6/2/3 7/3/3
f 2/1/3 7/3/3 3/4/3
f 5/1/4 1/2/4 4/3/4
f 5/1/4 4/3/4 8/4/4
f 4/1/5 3/2/5 7/3/5
f 4/1/5 7/3/5 8/4/5
f 5/1/6 6/2/6 2/3/6
f 5/1/6 2/3/6 1/4/6
`
