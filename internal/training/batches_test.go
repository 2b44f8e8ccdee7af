package training

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distmatch/revgauss/pkg/errors"
)

func TestExactSizeBatches(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	batches, err := ExactSizeBatches(10, rng, 4)
	require.NoError(t, err)
	require.Len(t, batches, 3)

	seen := make(map[int]bool)
	for _, b := range batches {
		assert.Len(t, b, 4)
		for _, i := range b {
			seen[i] = true
		}
	}
	// Every example appears at least once; the wrap-around batch repeats
	// a few from the head of the shuffle.
	assert.Len(t, seen, 10)
}

func TestExactSizeBatchesDivisible(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	batches, err := ExactSizeBatches(12, rng, 4)
	require.NoError(t, err)
	require.Len(t, batches, 3)

	count := make(map[int]int)
	for _, b := range batches {
		require.Len(t, b, 4)
		for _, i := range b {
			count[i]++
		}
	}
	// With a divisible count every example appears exactly once.
	require.Len(t, count, 12)
	for i, c := range count {
		assert.Equal(t, 1, c, "example %d", i)
	}
}

func TestExactSizeBatchesInvalidSize(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	var appErr *errors.AppError

	_, err := ExactSizeBatches(4, rng, 0)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.CodeSizeMismatch, appErr.Code)

	_, err = ExactSizeBatches(4, rng, 5)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.CodeSizeMismatch, appErr.Code)
}

func TestEqualClassBatches(t *testing.T) {
	rng := rand.New(rand.NewSource(4))

	// 12 examples of class 0, 8 of class 1.
	targets := make([]int, 20)
	for i := 12; i < 20; i++ {
		targets[i] = 1
	}

	batches, err := EqualClassBatches(targets, 2, rng, 4)
	require.NoError(t, err)
	// Truncated to the smaller class's batch count: 8/4 = 2.
	require.Len(t, batches, 2)

	for _, b := range batches {
		require.Len(t, b, 8)
		perClass := map[int]int{}
		for _, i := range b {
			perClass[targets[i]]++
		}
		assert.Equal(t, 4, perClass[0])
		assert.Equal(t, 4, perClass[1])
	}
}

func TestEqualClassBatchesEmptyClass(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	targets := []int{0, 0, 0, 0}

	_, err := EqualClassBatches(targets, 2, rng, 2)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.CodeEmptyBatch, appErr.Code)
}
