package tensor

import "sync"

// pools maps a slice length to a *sync.Pool of []float32 of that length.
// Requests of the same input size reuse the same backing arrays.
var pools sync.Map

func poolFor(n int) *sync.Pool {
	if p, ok := pools.Load(n); ok {
		return p.(*sync.Pool)
	}
	p, _ := pools.LoadOrStore(n, &sync.Pool{
		New: func() any {
			s := make([]float32, n)
			return &s
		},
	})
	return p.(*sync.Pool)
}

func getSlice(n int) []float32 {
	sp := poolFor(n).Get().(*[]float32)
	s := *sp
	clear(s)
	return s
}

func putSlice(s []float32) {
	if len(s) == 0 {
		return
	}
	poolFor(len(s)).Put(&s)
}
