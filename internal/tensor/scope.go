// Package tensor holds the per-request numeric buffers used by the
// prediction pipeline and the scope that releases them.
package tensor

import (
	"errors"
	"fmt"
	"sync"
)

// Buffer is a dense float32 array with a row-major shape.
type Buffer struct {
	Shape []int
	Data  []float32
}

// Len returns the number of elements implied by the shape.
func (b *Buffer) Len() int {
	return volume(b.Shape)
}

// Destroyer is anything holding memory that must be freed explicitly,
// such as an onnxruntime tensor.
type Destroyer interface {
	Destroy() error
}

// Scope owns every buffer and native tensor created while serving one
// request. Close releases all of them; it is safe to call more than once.
type Scope struct {
	mu        sync.Mutex
	buffers   []*Buffer
	destroyed []Destroyer
	closed    bool
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{}
}

// Alloc returns a zeroed buffer of the given shape owned by the scope.
func (s *Scope) Alloc(shape ...int) (*Buffer, error) {
	n := volume(shape)
	if n <= 0 {
		return nil, fmt.Errorf("tensor: invalid shape %v", shape)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("tensor: scope already closed")
	}

	buf := &Buffer{Shape: append([]int(nil), shape...), Data: getSlice(n)}
	s.buffers = append(s.buffers, buf)
	return buf, nil
}

// Track hands a native resource to the scope so it is destroyed on Close.
func (s *Scope) Track(d Destroyer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = d.Destroy()
		return
	}
	s.destroyed = append(s.destroyed, d)
}

// Close releases every buffer and destroys every tracked resource in
// reverse order of acquisition. The first destroy error is returned.
func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for i := len(s.destroyed) - 1; i >= 0; i-- {
		if err := s.destroyed[i].Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, b := range s.buffers {
		putSlice(b.Data)
		b.Data = nil
	}
	s.destroyed = nil
	s.buffers = nil
	return firstErr
}

// Live reports how many buffers and native resources the scope still holds.
func (s *Scope) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers) + len(s.destroyed)
}

func volume(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0
		}
		n *= d
	}
	return n
}
