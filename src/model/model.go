// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package model holds the per-frame payloads the renderer streams to the GPU.
package model

import (
	"unsafe"

	glm "github.com/go-gl/mathgl/mgl32"
)

// Vertex is a model vertex
type Vertex struct {
	Pos   glm.Vec3
	Color glm.Vec4
}

// Uniform defines a model-view-projection object
type Uniform struct {
	Model      glm.Mat4
	View       glm.Mat4
	Projection glm.Mat4
}

// Byte sizes of the streamed types.
var (
	VertexSize  = int(unsafe.Sizeof(Vertex{}))
	IndexSize   = int(unsafe.Sizeof(uint16(0)))
	UniformSize = int(unsafe.Sizeof(Uniform{}))
)

// UniformAlignment is the offset alignment used for uniform blocks.
// 256 is the largest minUniformBufferOffsetAlignment devices report.
const UniformAlignment = 256

// Quad returns a square of the given edge length centered at position,
// as four vertices and six indices.
func Quad(position glm.Vec3, size float32, color glm.Vec4) ([]Vertex, []uint16) {
	half := size / 2
	vertices := []Vertex{
		{Pos: position.Add(glm.Vec3{-half, -half, 0}), Color: color},
		{Pos: position.Add(glm.Vec3{half, -half, 0}), Color: color},
		{Pos: position.Add(glm.Vec3{half, half, 0}), Color: color},
		{Pos: position.Add(glm.Vec3{-half, half, 0}), Color: color},
	}
	return vertices, []uint16{0, 1, 2, 2, 3, 0}
}

// NewUniform builds the transforms for a frame rotated by angle radians
// around the Z axis and viewed with the given aspect ratio.
func NewUniform(angle, aspect float32) Uniform {
	return Uniform{
		Model:      glm.HomogRotate3D(angle, glm.Vec3{0, 0, 1}),
		View:       glm.LookAtV(glm.Vec3{2, 2, 2}, glm.Vec3{0, 0, 0}, glm.Vec3{0, 0, 1}),
		Projection: glm.Perspective(glm.DegToRad(45), aspect, 0.1, 10),
	}
}

// VertexBytes views vertices as raw bytes without copying.
func VertexBytes(vertices []Vertex) []byte {
	if len(vertices) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&vertices[0])), len(vertices)*VertexSize)
}

// IndexBytes views indices as raw bytes without copying.
func IndexBytes(indices []uint16) []byte {
	if len(indices) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&indices[0])), len(indices)*IndexSize)
}

// UniformBytes views a uniform block as raw bytes without copying.
func UniformBytes(u *Uniform) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(u)), UniformSize)
}
