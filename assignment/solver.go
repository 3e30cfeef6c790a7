// Package assignment - Exact minimum-cost bipartite matching for rectangular cost matrices.
//
// The solver is the shortest augmenting path variant of the Jonker-Volgenant algorithm for
// rectangular problems (Crouse, "On implementing 2D rectangular assignment algorithms",
// IEEE TAES 2016). Rows are assigned one at a time; each step runs a Dijkstra-like search
// over reduced costs and augments along the cheapest path. Complexity is O(n^2 m) for an
// n x m matrix with n <= m.
package assignment

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidCost is returned when the cost matrix contains NaN or infinite values.
	ErrInvalidCost = errors.New("cost matrix contains non-finite values")
	// ErrInfeasible is returned when no complete assignment exists.
	ErrInfeasible = errors.New("cost matrix is infeasible")
)

// Matching is a one-to-one pairing between rows and columns of a cost matrix.
//
// Rows[k] is paired with Cols[k]. Rows is strictly increasing and has length
// min(rows, cols) of the solved matrix.
type Matching struct {
	Rows []int
	Cols []int
}

// Len returns the number of matched pairs.
func (m Matching) Len() int {
	return len(m.Rows)
}

// Cost sums the matched entries of a cost matrix.
func (m Matching) Cost(cost mat.Matrix) float64 {
	var total float64
	for k := range m.Rows {
		total += cost.At(m.Rows[k], m.Cols[k])
	}
	return total
}

// Solve returns the minimum total cost one-to-one pairing of size min(rows, cols).
//
// The result depends only on the values of the cost matrix: solving the same matrix twice
// yields the same pairing, including under ties.
//
// Arguments:
//   - cost: A rows x cols matrix. Any mat.Matrix works; its values are copied once.
//
// Returns:
//   - Matching: Row and column indices, sorted by row.
//   - error: ErrInvalidCost for NaN/Inf entries.
//
// @example
// m, err := assignment.Solve(costMatrix)
//
//	if err != nil {
//	    return err
//	}
//
//	for k := range m.Rows {
//	    fmt.Printf("prediction %d -> ground truth %d\n", m.Rows[k], m.Cols[k])
//	}
func Solve(cost mat.Matrix) (Matching, error) {
	if cost == nil {
		return Matching{Rows: []int{}, Cols: []int{}}, nil
	}
	nr, nc := cost.Dims()
	if nr == 0 || nc == 0 {
		return Matching{Rows: []int{}, Cols: []int{}}, nil
	}

	transpose := nr > nc
	if transpose {
		nr, nc = nc, nr
	}

	c := make([]float64, nr*nc)
	for i := 0; i < nr; i++ {
		for j := 0; j < nc; j++ {
			var v float64
			if transpose {
				v = cost.At(j, i)
			} else {
				v = cost.At(i, j)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				if transpose {
					return Matching{}, errors.Wrapf(ErrInvalidCost, "entry (%d, %d) = %v", j, i, v)
				}
				return Matching{}, errors.Wrapf(ErrInvalidCost, "entry (%d, %d) = %v", i, j, v)
			}
			c[i*nc+j] = v
		}
	}

	col4row, err := solve(c, nr, nc)
	if err != nil {
		return Matching{}, err
	}

	m := Matching{Rows: make([]int, nr), Cols: make([]int, nr)}
	if !transpose {
		for i := 0; i < nr; i++ {
			m.Rows[i] = i
			m.Cols[i] = col4row[i]
		}
		return m, nil
	}

	// Solved on the transpose: col4row maps original columns to original rows.
	order := make([]int, nr)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return col4row[order[a]] < col4row[order[b]] })
	for k, origCol := range order {
		m.Rows[k] = col4row[origCol]
		m.Cols[k] = origCol
	}
	return m, nil
}

// state is the scratch space for one solve.
type state struct {
	cost      []float64
	nr, nc    int
	u, v      []float64
	shortest  []float64
	path      []int
	col4row   []int
	row4col   []int
	sr, sc    []bool
	remaining []int
}

// solve runs the row-by-row augmentation on an nr x nc row-major matrix with nr <= nc.
func solve(cost []float64, nr, nc int) ([]int, error) {
	s := &state{
		cost:      cost,
		nr:        nr,
		nc:        nc,
		u:         make([]float64, nr),
		v:         make([]float64, nc),
		shortest:  make([]float64, nc),
		path:      make([]int, nc),
		col4row:   make([]int, nr),
		row4col:   make([]int, nc),
		sr:        make([]bool, nr),
		sc:        make([]bool, nc),
		remaining: make([]int, nc),
	}
	for i := range s.col4row {
		s.col4row[i] = -1
	}
	for j := range s.row4col {
		s.row4col[j] = -1
		s.path[j] = -1
	}

	for cur := 0; cur < nr; cur++ {
		sink, minVal := s.augmentingPath(cur)
		if sink < 0 {
			return nil, errors.Wrapf(ErrInfeasible, "no augmenting path for row %d", cur)
		}

		// Update the dual variables.
		s.u[cur] += minVal
		for i := 0; i < nr; i++ {
			if s.sr[i] && i != cur {
				s.u[i] += minVal - s.shortest[s.col4row[i]]
			}
		}
		for j := 0; j < nc; j++ {
			if s.sc[j] {
				s.v[j] -= minVal - s.shortest[j]
			}
		}

		// Augment the previous solution along the path.
		j := sink
		for {
			i := s.path[j]
			s.row4col[j] = i
			s.col4row[i], j = j, s.col4row[i]
			if i == cur {
				break
			}
		}
	}

	return s.col4row, nil
}

// augmentingPath finds the shortest augmenting path starting at row cur and returns the
// free column it ends in together with the path length, or -1 when none exists.
func (s *state) augmentingPath(cur int) (int, float64) {
	minVal := 0.0

	// Filled in reverse so that a constant cost matrix solves to the identity.
	numRemaining := s.nc
	for it := 0; it < s.nc; it++ {
		s.remaining[it] = s.nc - it - 1
	}
	for i := range s.sr {
		s.sr[i] = false
	}
	for j := range s.sc {
		s.sc[j] = false
		s.shortest[j] = math.Inf(1)
	}

	sink := -1
	i := cur
	for sink == -1 {
		index := -1
		lowest := math.Inf(1)
		s.sr[i] = true

		for it := 0; it < numRemaining; it++ {
			j := s.remaining[it]
			r := minVal + s.cost[i*s.nc+j] - s.u[i] - s.v[j]
			if r < s.shortest[j] {
				s.path[j] = i
				s.shortest[j] = r
			}
			// Prefer an unassigned column on ties: it ends the search immediately.
			if s.shortest[j] < lowest || (s.shortest[j] == lowest && s.row4col[j] == -1) {
				lowest = s.shortest[j]
				index = it
			}
		}

		minVal = lowest
		if math.IsInf(minVal, 1) {
			return -1, minVal
		}

		j := s.remaining[index]
		if s.row4col[j] == -1 {
			sink = j
		} else {
			i = s.row4col[j]
		}

		s.sc[j] = true
		numRemaining--
		s.remaining[index] = s.remaining[numRemaining]
	}

	return sink, minVal
}
