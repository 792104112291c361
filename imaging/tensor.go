// Package imaging implements the chest scan pipeline: image preprocessing, a
// small convolutional network with a frozen base and a softmax head, head
// training on an image directory and inference.
package imaging

import (
	"fmt"
)

// Shape is a height × width × channels tensor shape.
type Shape struct {
	H, W, C int
}

// Size returns the number of elements.
func (s Shape) Size() int { return s.H * s.W * s.C }

func (s Shape) String() string { return fmt.Sprintf("%dx%dx%d", s.H, s.W, s.C) }

// Tensor stores values in height, width, channel order.
type Tensor struct {
	Shape Shape
	Data  []float64
}

// NewTensor allocates a zero tensor.
func NewTensor(s Shape) *Tensor {
	return &Tensor{Shape: s, Data: make([]float64, s.Size())}
}

// At returns the value at row y, column x, channel c.
func (t *Tensor) At(y, x, c int) float64 {
	return t.Data[(y*t.Shape.W+x)*t.Shape.C+c]
}

// Set stores v at row y, column x, channel c.
func (t *Tensor) Set(y, x, c int, v float64) {
	t.Data[(y*t.Shape.W+x)*t.Shape.C+c] = v
}
