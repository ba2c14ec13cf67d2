package graphstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/apperr"
)

// lockInfo is written into the lock file for diagnostics.
type lockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// AcquireLock takes the exclusive marker file guarding a store generation.
// Ingestion and sync both take it, so they can never run concurrently against
// the same stores. A lock older than staleAfter is reclaimed once (crashed
// holder). The returned release function removes the file.
func AcquireLock(path string, staleAfter time.Duration) (func() error, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			info := lockInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
			if encErr := json.NewEncoder(f).Encode(info); encErr != nil {
				f.Close()
				os.Remove(path)
				return nil, encErr
			}
			if err := f.Close(); err != nil {
				os.Remove(path)
				return nil, err
			}
			return func() error { return os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquire lock %s: %w", path, err)
		}

		stale, holderErr := lockIsStale(path, staleAfter)
		if holderErr != nil || !stale {
			return nil, fmt.Errorf("%w: lock file %s held by another run", apperr.ErrLocked, path)
		}
		os.Remove(path)
	}
	return nil, fmt.Errorf("%w: lock file %s could not be reclaimed", apperr.ErrLocked, path)
}

func lockIsStale(path string, staleAfter time.Duration) (bool, error) {
	if staleAfter <= 0 {
		return false, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	var info lockInfo
	if err := json.Unmarshal(b, &info); err != nil {
		// Unreadable lock file: fall back to mtime.
		st, statErr := os.Stat(path)
		if statErr != nil {
			return false, statErr
		}
		return time.Since(st.ModTime()) > staleAfter, nil
	}
	return time.Since(info.AcquiredAt) > staleAfter, nil
}
