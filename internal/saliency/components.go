package saliency

// component is one 4-connected group of active cells.
type component struct {
	rMin, rMax int
	cMin, cMax int
	count      int
	sum        float64
}

func (c component) width() int  { return c.cMax - c.cMin + 1 }
func (c component) height() int { return c.rMax - c.rMin + 1 }

// score favours regions that are both strongly and widely activated.
func (c component) score() float64 {
	mean := c.sum / float64(max(1, c.count))
	return mean * float64(c.width()*c.height())
}

// roi converts the bounding box to unit coordinates, keeping the box inside
// the unit square after the minimum extent is applied.
func (c component) roi(h, w int) ROI {
	bw := clamp(max(minExtent, float64(c.width())/float64(w)), 0, 1)
	bh := clamp(max(minExtent, float64(c.height())/float64(h)), 0, 1)
	x := clamp(float64(c.cMin)/float64(w), 0, 1-bw)
	y := clamp(float64(c.rMin)/float64(h), 0, 1-bh)
	return ROI{X: x, Y: y, W: bw, H: bh}
}

var neighbours = [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}

// components labels the cells of norm that are >= thr using an explicit
// stack, so large grids never grow the goroutine stack.
func components(norm []float64, h, w int, thr float64) []component {
	visited := make([]bool, h*w)
	var out []component
	var stack []int

	for start := range norm {
		if visited[start] || norm[start] < thr {
			continue
		}
		r0, c0 := start/w, start%w
		comp := component{rMin: r0, rMax: r0, cMin: c0, cMax: c0}

		visited[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			cell := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			r, c := cell/w, cell%w
			comp.sum += norm[cell]
			comp.count++
			comp.rMin = min(comp.rMin, r)
			comp.rMax = max(comp.rMax, r)
			comp.cMin = min(comp.cMin, c)
			comp.cMax = max(comp.cMax, c)

			for _, d := range neighbours {
				nr, nc := r+d[0], c+d[1]
				if nr < 0 || nr >= h || nc < 0 || nc >= w {
					continue
				}
				next := nr*w + nc
				if !visited[next] && norm[next] >= thr {
					visited[next] = true
					stack = append(stack, next)
				}
			}
		}
		out = append(out, comp)
	}
	return out
}
