package assignment

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// TestSolve_BruteForce verifies optimality against exhaustive search on small matrices.
func TestSolve_BruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for rows := 1; rows <= 5; rows++ {
		for cols := 1; cols <= 5; cols++ {
			for trial := 0; trial < 20; trial++ {
				cost := randomMatrix(rng, rows, cols)

				m, err := Solve(cost)
				require.NoError(t, err)

				assertValidMatching(t, m, rows, cols)
				assert.InDelta(t, bruteForce(cost), m.Cost(cost), 1e-9,
					"%dx%d trial %d not optimal", rows, cols, trial)
			}
		}
	}
}

// TestSolve_IntegerTies uses coarse integer costs so that many optimal pairings exist.
func TestSolve_IntegerTies(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 50; trial++ {
		rows, cols := 1+rng.Intn(5), 1+rng.Intn(5)
		data := make([]float64, rows*cols)
		for i := range data {
			data[i] = float64(rng.Intn(3))
		}
		cost := mat.NewDense(rows, cols, data)

		m, err := Solve(cost)
		require.NoError(t, err)
		assertValidMatching(t, m, rows, cols)
		assert.Equal(t, bruteForce(cost), m.Cost(cost))
	}
}

func TestSolve_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	cost := randomMatrix(rng, 6, 9)
	tied := mat.NewDense(3, 4, []float64{
		1, 1, 1, 1,
		1, 1, 1, 1,
		1, 1, 1, 1,
	})

	for _, c := range []mat.Matrix{cost, cost.T(), tied, tied.T()} {
		first, err := Solve(c)
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			again, err := Solve(c)
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	}
}

func TestSolve_ConstantMatrixIsIdentity(t *testing.T) {
	m, err := Solve(mat.NewDense(3, 3, make([]float64, 9)))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, m.Rows)
	assert.Equal(t, []int{0, 1, 2}, m.Cols)
}

// TestSolve_TallMatrix covers the transposed path: more rows (predictions) than columns.
func TestSolve_TallMatrix(t *testing.T) {
	// 1 - IoU for four predictions against two ground truths.
	cost := mat.NewDense(4, 2, []float64{
		0.00, 0.75,
		0.75, 1.00,
		0.75, 0.00,
		0.75, 1.00,
	})

	m, err := Solve(cost)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, m.Rows)
	assert.Equal(t, []int{0, 1}, m.Cols)
	assert.Equal(t, 0.0, m.Cost(cost))
}

func TestSolve_RowsSorted(t *testing.T) {
	cost := mat.NewDense(3, 2, []float64{
		5, 0,
		0, 5,
		9, 9,
	})
	m, err := Solve(cost)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, m.Rows)
	assert.Equal(t, []int{1, 0}, m.Cols)
}

func TestSolve_Empty(t *testing.T) {
	m, err := Solve(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())

	m, err = Solve(emptyMatrix{rows: 4})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
	assert.NotNil(t, m.Rows)
}

func TestSolve_InvalidCost(t *testing.T) {
	tests := []struct {
		name  string
		value float64
	}{
		{"NaN", math.NaN()},
		{"Positive infinity", math.Inf(1)},
		{"Negative infinity", math.Inf(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost := mat.NewDense(3, 2, []float64{0, 1, 1, tt.value, 0.5, 0.5})
			_, err := Solve(cost)
			assert.ErrorIs(t, err, ErrInvalidCost)
		})
	}
}

func TestSolve_NegativeCosts(t *testing.T) {
	cost := mat.NewDense(2, 3, []float64{
		-1, -5, 0,
		-4, -6, 2,
	})
	m, err := Solve(cost)
	require.NoError(t, err)
	assert.Equal(t, bruteForce(cost), m.Cost(cost))
}

func assertValidMatching(t *testing.T, m Matching, rows, cols int) {
	t.Helper()

	require.Equal(t, min(rows, cols), m.Len())
	require.Len(t, m.Cols, m.Len())

	usedRows := map[int]bool{}
	usedCols := map[int]bool{}
	for k := range m.Rows {
		require.False(t, usedRows[m.Rows[k]], "row %d used twice", m.Rows[k])
		require.False(t, usedCols[m.Cols[k]], "col %d used twice", m.Cols[k])
		usedRows[m.Rows[k]] = true
		usedCols[m.Cols[k]] = true
		require.GreaterOrEqual(t, m.Rows[k], 0)
		require.Less(t, m.Rows[k], rows)
		require.GreaterOrEqual(t, m.Cols[k], 0)
		require.Less(t, m.Cols[k], cols)
		if k > 0 {
			require.Greater(t, m.Rows[k], m.Rows[k-1], "rows must be sorted")
		}
	}
}

// bruteForce returns the minimum total cost over every pairing of size min(rows, cols).
func bruteForce(cost mat.Matrix) float64 {
	rows, cols := cost.Dims()
	if rows > cols {
		return bruteForce(cost.T())
	}

	best := math.Inf(1)
	used := make([]bool, cols)
	var walk func(row int, total float64)
	walk = func(row int, total float64) {
		if row == rows {
			best = math.Min(best, total)
			return
		}
		for j := 0; j < cols; j++ {
			if used[j] {
				continue
			}
			used[j] = true
			walk(row+1, total+cost.At(row, j))
			used[j] = false
		}
	}
	walk(0, 0)
	return best
}

func randomMatrix(rng *rand.Rand, rows, cols int) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.Float64()
	}
	return mat.NewDense(rows, cols, data)
}

// emptyMatrix is a mat.Matrix with no columns, which mat.Dense cannot represent.
type emptyMatrix struct {
	rows int
}

func (e emptyMatrix) Dims() (int, int)    { return e.rows, 0 }
func (e emptyMatrix) At(_, _ int) float64 { panic("empty matrix") }
func (e emptyMatrix) T() mat.Matrix       { return mat.Transpose{Matrix: e} }
