package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nvr-ai/go-ml-finetune/train"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStore_RecordEpochs(t *testing.T) {
	s, _ := openStore(t)

	run, err := s.StartRun("owl-head", "training:\n  epochs: 3\n")
	require.NoError(t, err)

	epochs := []train.Epoch{
		{Index: 0, Train: train.Metrics{BoxLoss: 0.5, ClassLoss: 0.75, Batches: 2, Matched: 4}, Duration: 1500 * time.Millisecond},
		{
			Index:      1,
			Train:      train.Metrics{BoxLoss: 0.5, ClassLoss: 0.5, Batches: 2, Matched: 4, Degenerate: 1},
			Eval:       &train.Metrics{BoxLoss: 0.25, ClassLoss: 0.5, Batches: 1, Matched: 2},
			Checkpoint: "runs/head_epoch_001.gob",
			Duration:   time.Second,
		},
		{Index: 2, Train: train.Metrics{BoxLoss: 0.5, ClassLoss: 0.25, Batches: 2, Matched: 4}},
	}
	for _, e := range epochs {
		require.NoError(t, run.RecordEpoch(e))
	}

	stored, err := s.Epochs(run.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)

	assert.Equal(t, run.ID, stored[0].RunID)
	assert.Equal(t, float32(0.75), stored[0].Train.ClassLoss)
	assert.Nil(t, stored[0].Eval)
	assert.Equal(t, 1500*time.Millisecond, stored[0].Duration)

	require.NotNil(t, stored[1].Eval)
	assert.Equal(t, float32(0.25), stored[1].Eval.BoxLoss)
	assert.Equal(t, 2, stored[1].Eval.Matched)
	assert.Equal(t, 1, stored[1].Train.Degenerate)
	assert.Equal(t, "runs/head_epoch_001.gob", stored[1].Checkpoint)

	best, err := s.Best(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, best.Epoch, "ties keep the earlier epoch")
	assert.Equal(t, float32(0.75), best.Score())
}

func TestStore_ReplaceEpoch(t *testing.T) {
	s, _ := openStore(t)
	run, err := s.StartRun("resume", "")
	require.NoError(t, err)

	require.NoError(t, run.RecordEpoch(train.Epoch{Index: 0, Train: train.Metrics{ClassLoss: 1}}))
	require.NoError(t, run.RecordEpoch(train.Epoch{Index: 0, Train: train.Metrics{ClassLoss: 0.5}}))

	stored, err := s.Epochs(run.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, float32(0.5), stored[0].Train.ClassLoss)
}

func TestStore_Runs(t *testing.T) {
	s, path := openStore(t)

	first, err := s.StartRun("first", "a: 1")
	require.NoError(t, err)
	second, err := s.StartRun("second", "a: 2")
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)

	runs, err := s.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "second", runs[0].Name)
	assert.Equal(t, "a: 1", runs[1].Config)
	assert.WithinDuration(t, time.Now(), runs[0].StartedAt, time.Minute)

	_, err = s.Best(first.ID)
	assert.True(t, errors.Is(err, ErrNoEpochs))

	// The runs survive reopening the file.
	require.NoError(t, s.Close())
	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	runs, err = reopened.Runs()
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
