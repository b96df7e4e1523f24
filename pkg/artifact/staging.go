package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/difform/pkg/tensor"
)

// Staging is a private scratch directory for one batch.
//
// Lifecycle:
//
//	st, _ := store.Stage()
//	defer st.Close()              // removes the scratch directory
//	arts, err := st.WriteBatch(ctx, names, rate, batch)
//	moved, err := st.Commit(dest) // rename into the audio tree
//	...
//	st.Rollback()                 // on a later failure: undo Commit
//
// Commit moves files that already exist at a destination aside instead of
// deleting them, so Rollback can put them back.
type Staging struct {
	store *Store
	id    string
	dir   string

	mu        sync.Mutex
	staged    map[string]*Artifact
	committed []move
	closed    bool
}

// rename moves files into and out of the audio tree; tests replace it.
var rename = os.Rename

type move struct {
	dest   string
	backup string // "" when dest did not exist before
}

// Stage creates a new staging area at <root>/.staging/<uuid>.
func (s *Store) Stage() (*Staging, error) {
	id := uuid.New().String()
	dir := filepath.Join(s.root, stagingDirName, id)
	if err := os.MkdirAll(filepath.Join(dir, "prev"), 0755); err != nil {
		return nil, fmt.Errorf("artifact: creating staging area: %w", err)
	}
	return &Staging{
		store:  s,
		id:     id,
		dir:    dir,
		staged: make(map[string]*Artifact),
	}, nil
}

// ID returns the staging area's identifier.
func (st *Staging) ID() string { return st.id }

// Dir returns the scratch directory.
func (st *Staging) Dir() string { return st.dir }

// Write encodes one sample under name (a sample identifier, without
// extension) into the staging area.
func (st *Staging) Write(name string, sampleRate int, sample tensor.Tensor) (*Artifact, error) {
	if err := ValidateComponent(name); err != nil {
		return nil, err
	}
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, ErrStagingClosed
	}
	st.mu.Unlock()

	art, err := st.store.writeFile(filepath.Join(st.dir, FileName(name)), sampleRate, sample)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.staged[name] = art
	st.mu.Unlock()
	return art, nil
}

// WriteBatch writes batch[i] under names[i] for every sample of a rank-3
// batch. Samples are encoded concurrently, bounded by the store's
// concurrency. The first failure cancels the remaining writes.
func (st *Staging) WriteBatch(ctx context.Context, names []string, sampleRate int, batch tensor.Tensor) ([]*Artifact, error) {
	if batch.Rank() != 3 {
		return nil, &tensor.ShapeError{Rank: batch.Rank(), Shape: batch.Shape}
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if len(names) != batch.Len() {
		return nil, fmt.Errorf("artifact: %d names for a batch of %d", len(names), batch.Len())
	}

	arts := make([]*Artifact, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(st.store.concurrency)

	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sample, err := batch.Sample(i)
			if err != nil {
				return err
			}
			art, err := st.Write(name, sampleRate, sample)
			if err != nil {
				return err
			}
			arts[i] = art
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return arts, nil
}

// Commit renames staged files to their destinations. dest maps a staged
// name to its final path; every name must have been staged.
//
// On failure the moves already made are undone before returning. On success
// the staged Artifacts' paths point at the destinations and the moved paths
// are returned, ordered by name.
func (st *Staging) Commit(dest map[string]string) ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return nil, ErrStagingClosed
	}

	names := make([]string, 0, len(dest))
	for name := range dest {
		if _, ok := st.staged[name]; !ok {
			return nil, fmt.Errorf("artifact: %q was not staged", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	moved := make([]string, 0, len(names))
	for _, name := range names {
		target := dest[name]
		m, err := st.moveInto(name, target)
		if err != nil {
			if rerr := st.rollbackLocked(); rerr != nil {
				err = errors.Join(err, rerr)
			}
			return nil, &WriteError{Path: target, Err: err}
		}
		st.committed = append(st.committed, m)
		st.staged[name].Path = target
		st.store.remember(target, st.staged[name].Checksum)
		moved = append(moved, target)
	}

	st.store.log.Debug("staging committed", "staging", st.id, "files", len(moved))
	return moved, nil
}

func (st *Staging) moveInto(name, target string) (move, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return move{}, err
	}

	m := move{dest: target}
	if _, err := os.Stat(target); err == nil {
		m.backup = filepath.Join(st.dir, "prev", FileName(name))
		if err := rename(target, m.backup); err != nil {
			return move{}, fmt.Errorf("moving existing file aside: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return move{}, err
	}

	if err := rename(filepath.Join(st.dir, FileName(name)), target); err != nil {
		if m.backup != "" {
			if rerr := rename(m.backup, target); rerr != nil {
				st.store.log.Error("previous file not restored",
					"path", st.store.Rel(target), "backup", m.backup, "error", rerr)
				err = errors.Join(err, fmt.Errorf("restoring %s: %w", target, rerr))
			}
		}
		return move{}, err
	}
	return m, nil
}

// Rollback removes every file committed by this staging area and restores
// the files they replaced. It is safe to call more than once.
func (st *Staging) Rollback() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rollbackLocked()
}

func (st *Staging) rollbackLocked() error {
	var errs []error
	for i := len(st.committed) - 1; i >= 0; i-- {
		m := st.committed[i]
		if err := os.Remove(m.dest); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		if m.backup != "" {
			if err := rename(m.backup, m.dest); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(st.committed) > 0 {
		st.store.log.Warn("staging rolled back", "staging", st.id, "files", len(st.committed))
	}
	st.committed = nil
	return errors.Join(errs...)
}

// Close removes the staging directory, including files that were staged but
// never committed and the originals replaced by a successful Commit.
func (st *Staging) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return nil
	}
	st.closed = true
	return os.RemoveAll(st.dir)
}
