package tracker

import (
	"errors"
	"fmt"
)

// ErrTableTooLarge is returned when a frame's affinity table would exceed
// the configured cell budget.
var ErrTableTooLarge = errors.New("affinity table too large")

// affinity is the per-frame detection x track proximity table. The buffers
// are reused between frames and cleared on every reset.
type affinity struct {
	rows, cols int
	cells      []bool // rows*cols, row-major (detection i, track j)
	rowSum     []int
	colSum     []int
	seenRow    []bool
	seenCol    []bool
}

func (a *affinity) reset(rows, cols, maxCells int) error {
	if rows < 0 || cols < 0 {
		return fmt.Errorf("invalid affinity table dimensions %dx%d", rows, cols)
	}
	if maxCells > 0 && rows*cols > maxCells {
		return fmt.Errorf("%w: %d detections x %d tracks exceeds %d cells",
			ErrTableTooLarge, rows, cols, maxCells)
	}

	a.rows, a.cols = rows, cols
	a.cells = resize(a.cells, rows*cols)
	a.rowSum = resize(a.rowSum, rows)
	a.colSum = resize(a.colSum, cols)
	a.seenRow = resize(a.seenRow, rows)
	a.seenCol = resize(a.seenCol, cols)
	return nil
}

func (a *affinity) link(i, j int) {
	a.cells[i*a.cols+j] = true
	a.rowSum[i]++
	a.colSum[j]++
}

func (a *affinity) linked(i, j int) bool {
	return a.cells[i*a.cols+j]
}

func (a *affinity) unlink(i, j int) {
	a.cells[i*a.cols+j] = false
	a.rowSum[i]--
	a.colSum[j]--
}

// cluster collects every detection and track transitively linked to track
// j, consuming the links it walks. Once a track has been clustered its
// column sum is zero, so it cannot seed or join another cluster this frame.
func (a *affinity) cluster(j int) (rows, cols []int) {
	cols = append(cols, j)
	a.seenCol[j] = true

	for next := 0; next < len(cols); next++ {
		col := cols[next]
		for i := 0; i < a.rows; i++ {
			if !a.linked(i, col) {
				continue
			}
			a.unlink(i, col)
			if !a.seenRow[i] {
				a.seenRow[i] = true
				rows = append(rows, i)
			}
			for k := 0; k < a.cols; k++ {
				if !a.linked(i, k) {
					continue
				}
				a.unlink(i, k)
				if !a.seenCol[k] {
					a.seenCol[k] = true
					cols = append(cols, k)
				}
			}
		}
	}

	return rows, cols
}

func resize[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	s = s[:n]
	clear(s)
	return s
}
