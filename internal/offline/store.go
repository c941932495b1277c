package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	plxerrors "github.com/plxctl/plx/internal/errors"
	"github.com/plxctl/plx/internal/types"
)

// ReadRun loads the run stored in the run directory path.
func ReadRun(path string) (*types.Run, error) {
	dataPath := RunDataPath(path)
	data, err := os.ReadFile(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, plxerrors.RunNotFound(filepath.Base(path)).
				WithDetail("path", dataPath)
		}
		return nil, plxerrors.IOReadError(dataPath, err)
	}

	var run types.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, plxerrors.IOReadError(dataPath, fmt.Errorf("parsing run data: %w", err))
	}
	return &run, nil
}

// MarshalRun renders a run the way it is stored: 2-space indented JSON with
// sorted keys and a trailing newline.
func MarshalRun(run *types.Run) ([]byte, error) {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// WriteRun stores run in the run directory path atomically.
func WriteRun(path string, run *types.Run) error {
	data, err := MarshalRun(run)
	if err != nil {
		return plxerrors.Wrap(plxerrors.CodeInternal, "marshaling run", err)
	}
	dataPath := RunDataPath(path)
	if err := WriteFileAtomic(dataPath, data, 0644); err != nil {
		return plxerrors.IOWriteError(dataPath, err)
	}
	return nil
}

// DeleteRun unlinks the run file and removes the run directory when nothing
// else is left in it.
func DeleteRun(path string) error {
	dataPath := RunDataPath(path)
	if err := os.Remove(dataPath); err != nil {
		if os.IsNotExist(err) {
			return plxerrors.RunNotFound(filepath.Base(path))
		}
		return plxerrors.IOWriteError(dataPath, err)
	}
	// Fails harmlessly when logs or outputs remain.
	_ = os.Remove(path)
	return nil
}

// RunLock is an exclusive lock on one offline run.
type RunLock struct {
	uuid     string
	lockFile *os.File
	lockPath string
}

// Release releases the run lock and cleans up the lock file.
func (l *RunLock) Release() error {
	if l.lockFile == nil {
		return nil
	}
	_ = syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)
	err := l.lockFile.Close()
	l.lockFile = nil
	_ = os.Remove(l.lockPath)
	return err
}

// Store is an offline run store bound to one base directory.
// Multiple stores can be opened on the same directory; writers to one run
// serialize through AcquireRunLock.
type Store struct {
	base string
}

// NewStore opens the store of kind under root, creating it when needed.
func NewStore(root, kind string) (*Store, error) {
	base := BasePath(root, kind)
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, plxerrors.IOWriteError(base, err)
	}

	if err := recoverInterruptedWrites(base); err != nil {
		return nil, plxerrors.IOReadError(base, fmt.Errorf("recovering interrupted writes: %w", err))
	}

	return &Store{base: base}, nil
}

// Base returns the store's base directory.
func (s *Store) Base() string {
	return s.base
}

// RunPath returns the directory of run uuid.
func (s *Store) RunPath(uuid string) string {
	return filepath.Join(s.base, uuid)
}

func (s *Store) lockPath(uuid string) string {
	return filepath.Join(s.base, "."+uuid+".lock")
}

// AcquireRunLock takes the exclusive lock of run uuid without blocking.
func (s *Store) AcquireRunLock(uuid string) (*RunLock, error) {
	lockPath := s.lockPath(uuid)
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, plxerrors.IOWriteError(lockPath, err)
	}

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockFile.Close()
		return nil, plxerrors.Wrapf(plxerrors.CodeLifecycleState, err,
			"run %s is being written by another process", uuid).WithDetail("uuid", uuid)
	}

	return &RunLock{
		uuid:     uuid,
		lockFile: lockFile,
		lockPath: lockPath,
	}, nil
}

// IsLocked checks if another process holds the lock of run uuid.
func (s *Store) IsLocked(uuid string) bool {
	lockFile, err := os.OpenFile(s.lockPath(uuid), os.O_RDWR, 0644)
	if err != nil {
		return false
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return true
	}
	_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
	return false
}

// recoverInterruptedWrites handles temp files left from crashed writes: the
// temp copy is dropped when the run file exists and promoted otherwise.
func recoverInterruptedWrites(base string) error {
	runDirs, err := os.ReadDir(base)
	if err != nil {
		return err
	}

	prefix := "." + RunDataFile + ".tmp-"
	for _, runDir := range runDirs {
		if !runDir.IsDir() || strings.HasPrefix(runDir.Name(), ".") {
			continue
		}
		dir := filepath.Join(base, runDir.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		var temps []string
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), prefix) {
				temps = append(temps, filepath.Join(dir, entry.Name()))
			}
		}
		if len(temps) == 0 {
			continue
		}

		mainPath := RunDataPath(dir)
		if _, err := os.Stat(mainPath); err != nil {
			// Promote the newest temp file that holds a complete record.
			sort.Slice(temps, func(i, j int) bool { return modTime(temps[i]) > modTime(temps[j]) })
			for _, tmp := range temps {
				if validRunFile(tmp) {
					_ = os.Rename(tmp, mainPath)
					break
				}
			}
		}
		for _, tmp := range temps {
			_ = os.Remove(tmp)
		}
	}
	return nil
}

func modTime(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}

func validRunFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var run types.Run
	return json.Unmarshal(data, &run) == nil && run.UUID != ""
}

// Exists reports whether run uuid is stored.
func (s *Store) Exists(uuid string) bool {
	_, err := os.Stat(RunDataPath(s.RunPath(uuid)))
	return err == nil
}

// Get retrieves a run by uuid.
func (s *Store) Get(ctx context.Context, uuid string) (*types.Run, error) {
	return ReadRun(s.RunPath(uuid))
}

// Save persists a run atomically.
func (s *Store) Save(ctx context.Context, run *types.Run) error {
	if run.UUID == "" {
		return plxerrors.InvalidInput("cannot save a run without uuid")
	}
	return WriteRun(s.RunPath(run.UUID), run)
}

// Delete removes a run record.
func (s *Store) Delete(ctx context.Context, uuid string) error {
	return DeleteRun(s.RunPath(uuid))
}

// Purge removes the whole run directory, logs and outputs included.
func (s *Store) Purge(ctx context.Context, uuid string) error {
	path := s.RunPath(uuid)
	if err := os.RemoveAll(path); err != nil {
		return plxerrors.IOWriteError(path, err)
	}
	return nil
}

// List returns every stored run, newest first. Unreadable records are
// skipped.
func (s *Store) List(ctx context.Context) ([]*types.Run, error) {
	uuids, err := ListRunUUIDs(s.base)
	if err != nil {
		return nil, plxerrors.IOReadError(s.base, err)
	}

	runs := make([]*types.Run, 0, len(uuids))
	for _, uuid := range uuids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run, err := s.Get(ctx, uuid)
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Std().After(runs[j].CreatedAt.Std())
	})
	return runs, nil
}
