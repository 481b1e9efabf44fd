// Package composite renders N video sources into a single fixed-size frame
// on a deterministic grid, for capture by the recording pipeline.
package composite

// Cell is one tile of the layout grid.
type Cell struct {
	X, Y          int
	Width, Height int
}

// ComputeGridLayout places n sources on a w×h canvas. Pure function.
//
//	n = 0        → no cells
//	n = 1        → one full-canvas cell
//	n = 2        → two equal vertical halves
//	n ∈ {3, 4}   → the covering 2×2 grid (a 3rd source leaves one cell unused)
//	n ≥ 5        → 3 columns × ceil(n/3) rows, one cell per source
//
// Cell edges are computed from grid indices, so the covered area is exact
// even when the canvas does not divide evenly.
func ComputeGridLayout(n, w, h int) []Cell {
	if n <= 0 {
		return nil
	}

	var cols, rows, cells int
	switch {
	case n == 1:
		cols, rows, cells = 1, 1, 1
	case n == 2:
		cols, rows, cells = 2, 1, 2
	case n <= 4:
		// The covering grid: callers draw only the cells they have
		// sources for.
		cols, rows, cells = 2, 2, 4
	default:
		cols = 3
		rows = (n + cols - 1) / cols
		cells = n
	}

	out := make([]Cell, 0, cells)
	for i := 0; i < cells; i++ {
		c, r := i%cols, i/cols
		x0, x1 := c*w/cols, (c+1)*w/cols
		y0, y1 := r*h/rows, (r+1)*h/rows
		out = append(out, Cell{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0})
	}
	return out
}
