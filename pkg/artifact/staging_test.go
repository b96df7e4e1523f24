package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/difform/pkg/tensor"
)

func batchOf(n, frames, channels int) tensor.Tensor {
	data := make([]float64, n*frames*channels)
	for i := range data {
		data[i] = float64(i%200)/200 - 0.5
	}
	return tensor.MustNew([]int{n, frames, channels}, data)
}

func TestStaging_WriteBatchAndCommit(t *testing.T) {
	s := newStore(t, Options{Concurrency: 3})
	st, err := s.Stage()
	require.NoError(t, err)
	defer st.Close()

	assert.DirExists(t, st.Dir())
	assert.Equal(t, filepath.Join(s.Root(), ".staging", st.ID()), st.Dir())

	names := []string{"sample_m1_7_1_1", "sample_m1_7_1_2", "sample_m1_7_1_3", "sample_m1_7_1_4"}
	arts, err := st.WriteBatch(context.Background(), names, 22050, batchOf(4, 500, 1))
	require.NoError(t, err)
	require.Len(t, arts, 4)
	for i, a := range arts {
		assert.Equal(t, filepath.Join(st.Dir(), names[i]+".wav"), a.Path)
		assert.Equal(t, 500, a.Frames)
	}

	dest := make(map[string]string, len(names))
	for _, n := range names {
		p, err := s.Path("variation", "m1", n)
		require.NoError(t, err)
		dest[n] = p
	}
	moved, err := st.Commit(dest)
	require.NoError(t, err)
	assert.Len(t, moved, 4)
	for i, n := range names {
		assert.FileExists(t, dest[n])
		assert.Equal(t, dest[n], arts[i].Path)
		sum, err := s.Checksum(dest[n])
		require.NoError(t, err)
		assert.Equal(t, arts[i].Checksum, sum)
	}

	require.NoError(t, st.Close())
	assert.NoDirExists(t, st.Dir())
	for _, n := range names {
		assert.FileExists(t, dest[n], "Close must not touch committed files")
	}
}

func TestStaging_WriteBatchValidates(t *testing.T) {
	s := newStore(t, Options{})
	st, err := s.Stage()
	require.NoError(t, err)
	defer st.Close()

	_, err = st.WriteBatch(context.Background(), []string{"a"}, 44100, tensor.Zeros(10, 1))
	var shapeErr *tensor.ShapeError
	assert.ErrorAs(t, err, &shapeErr)

	_, err = st.WriteBatch(context.Background(), []string{"a"}, 44100, batchOf(2, 10, 1))
	assert.Error(t, err)

	_, err = st.WriteBatch(context.Background(), []string{"a", "b"}, -1, batchOf(2, 10, 1))
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestStaging_WriteBatchCancelled(t *testing.T) {
	s := newStore(t, Options{})
	st, err := s.Stage()
	require.NoError(t, err)
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = st.WriteBatch(ctx, []string{"a", "b"}, 44100, batchOf(2, 10, 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaging_RollbackRemovesCommitted(t *testing.T) {
	s := newStore(t, Options{})
	st, err := s.Stage()
	require.NoError(t, err)
	defer st.Close()

	_, err = st.WriteBatch(context.Background(), []string{"a", "b"}, 44100, batchOf(2, 10, 1))
	require.NoError(t, err)

	dir, err := s.Dir("variation", "m1")
	require.NoError(t, err)
	dest := map[string]string{"a": filepath.Join(dir, "a.wav"), "b": filepath.Join(dir, "b.wav")}
	_, err = st.Commit(dest)
	require.NoError(t, err)

	require.NoError(t, st.Rollback())
	assert.NoFileExists(t, dest["a"])
	assert.NoFileExists(t, dest["b"])

	// Second rollback is a no-op.
	assert.NoError(t, st.Rollback())
}

func TestStaging_RollbackRestoresReplaced(t *testing.T) {
	s := newStore(t, Options{})
	dir, err := s.Dir("variation", "m1")
	require.NoError(t, err)

	target := filepath.Join(dir, "a.wav")
	original, err := s.Write(target, 44100, batchMust(t, batchOf(1, 10, 1), 0))
	require.NoError(t, err)

	st, err := s.Stage()
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Write("a", 44100, batchMust(t, batchOf(1, 99, 2), 0))
	require.NoError(t, err)
	_, err = st.Commit(map[string]string{"a": target})
	require.NoError(t, err)

	replaced, err := s.Checksum(target)
	require.NoError(t, err)
	assert.NotEqual(t, original.Checksum, replaced)

	require.NoError(t, st.Rollback())
	restored, err := s.Checksum(target)
	require.NoError(t, err)
	assert.Equal(t, original.Checksum, restored)
}

func TestStaging_CommitFailureUndoesEarlierMoves(t *testing.T) {
	s := newStore(t, Options{})
	st, err := s.Stage()
	require.NoError(t, err)
	defer st.Close()

	_, err = st.WriteBatch(context.Background(), []string{"a", "b"}, 44100, batchOf(2, 10, 1))
	require.NoError(t, err)

	okDir, err := s.Dir("variation", "m1")
	require.NoError(t, err)
	blocked := filepath.Join(s.AudioDir(), "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("not a dir"), 0644))

	dest := map[string]string{
		"a": filepath.Join(okDir, "a.wav"),
		"b": filepath.Join(blocked, "m1", "b.wav"),
	}
	_, err = st.Commit(dest)
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, dest["b"], werr.Path)
	assert.NoFileExists(t, dest["a"], "earlier move must be undone")
}

func TestStaging_CommitFailureRestoresPrevious(t *testing.T) {
	s := newStore(t, Options{})
	dir, err := s.Dir("variation", "m1")
	require.NoError(t, err)
	target := filepath.Join(dir, "a.wav")
	original, err := s.Write(target, 44100, batchMust(t, batchOf(1, 10, 1), 0))
	require.NoError(t, err)

	st, err := s.Stage()
	require.NoError(t, err)
	defer st.Close()
	_, err = st.Write("a", 44100, batchMust(t, batchOf(1, 20, 1), 0))
	require.NoError(t, err)
	// The staged file vanishing makes the move into place fail.
	require.NoError(t, os.Remove(filepath.Join(st.Dir(), FileName("a"))))

	_, err = st.Commit(map[string]string{"a": target})
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.NotContains(t, err.Error(), "restoring")

	sum, err := s.Checksum(target)
	require.NoError(t, err)
	assert.Equal(t, original.Checksum, sum)
}

func TestStaging_CommitReportsFailedRestore(t *testing.T) {
	s := newStore(t, Options{})
	dir, err := s.Dir("variation", "m1")
	require.NoError(t, err)
	target := filepath.Join(dir, "a.wav")
	_, err = s.Write(target, 44100, batchMust(t, batchOf(1, 10, 1), 0))
	require.NoError(t, err)

	st, err := s.Stage()
	require.NoError(t, err)
	defer st.Close()
	_, err = st.Write("a", 44100, batchMust(t, batchOf(1, 20, 1), 0))
	require.NoError(t, err)

	// Moving the old file aside works; nothing can be moved back onto target.
	errDenied := errors.New("rename denied")
	rename = func(oldpath, newpath string) error {
		if newpath == target {
			return errDenied
		}
		return os.Rename(oldpath, newpath)
	}
	t.Cleanup(func() { rename = os.Rename })

	_, err = st.Commit(map[string]string{"a": target})
	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.ErrorIs(t, err, errDenied)
	assert.Contains(t, err.Error(), "restoring "+target)
	assert.FileExists(t, filepath.Join(st.Dir(), "prev", FileName("a")))
	assert.NoFileExists(t, target)
}

func TestStaging_CommitUnknownName(t *testing.T) {
	s := newStore(t, Options{})
	st, err := s.Stage()
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Commit(map[string]string{"nope": filepath.Join(s.AudioDir(), "x.wav")})
	assert.Error(t, err)
}

func TestStaging_Closed(t *testing.T) {
	s := newStore(t, Options{})
	st, err := s.Stage()
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	_, err = st.Write("a", 44100, tensor.Zeros(10, 1))
	assert.ErrorIs(t, err, ErrStagingClosed)
	_, err = st.Commit(nil)
	assert.ErrorIs(t, err, ErrStagingClosed)
}

func batchMust(t *testing.T, b tensor.Tensor, i int) tensor.Tensor {
	t.Helper()
	s, err := b.Sample(i)
	require.NoError(t, err)
	return s
}
