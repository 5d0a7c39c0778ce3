// Package lockfile keeps two rumar processes from working on the same
// profile's backup dir at once. The lock is a small JSON file refreshed by a
// heartbeat; a lock whose heartbeat stopped is taken over.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/paulschiretz/rumar/pkg/plog"
	"github.com/paulschiretz/rumar/pkg/util"
)

// FileName is the lock file inside a profile's backup dir.
const FileName = ".~rumar.lock"

// IsLockArtifact reports whether name is the lock file or one of its
// temporary siblings.
func IsLockArtifact(name string) bool {
	return strings.HasPrefix(name, FileName)
}

// Owner describes who holds a lock.
type Owner struct {
	PID       int64     `json:"pid"`
	Host      string    `json:"host"`
	Profile   string    `json:"profile"`
	Command   string    `json:"command"`
	Heartbeat time.Time `json:"heartbeat"`
	Token     string    `json:"token,omitempty"`
}

// ErrLockActive is returned when another live process holds the lock.
type ErrLockActive struct {
	Owner Owner
	Age   time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("profile %q is locked by %s (pid %d on %s), last heartbeat %s ago",
		e.Owner.Profile, e.Owner.Command, e.Owner.PID, e.Owner.Host, e.Age.Truncate(time.Second))
}

var (
	// ErrLostRace means another process took over a stale lock first.
	ErrLostRace = errors.New("lost race during stale lock takeover")
	// ErrCorrupt means the lock file is empty or not valid JSON.
	ErrCorrupt = errors.New("lock file is corrupt or empty")
)

// Vars so tests can shorten them.
var (
	heartbeatInterval = time.Minute
	staleAfter        = 3 * heartbeatInterval
	readRetryDelay    = 50 * time.Millisecond
)

// Lock is a held lock.
type Lock struct {
	path  string
	owner Owner

	mu     sync.Mutex
	stop   context.CancelFunc
	done   chan struct{}
	closed bool
}

// Acquire takes the lock in dir for profile and command. It returns an
// *ErrLockActive when a live lock is in place.
func Acquire(ctx context.Context, dir, profile, command string) (*Lock, error) {
	path := filepath.Join(dir, FileName)
	for attempt := 0; attempt < 3; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		owner, err := newOwner(profile, command)
		if err != nil {
			return nil, err
		}
		err = createExclusive(path, owner)
		if err == nil {
			return start(path, owner), nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		current, err := read(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			continue // released meanwhile
		case errors.Is(err, ErrCorrupt):
			plog.Warn("Lock file is corrupt, taking it over", "path", path, "error", err)
		case err != nil:
			return nil, err
		default:
			age := time.Since(current.Heartbeat)
			if age < staleAfter {
				return nil, &ErrLockActive{Owner: current, Age: age}
			}
			plog.Warn("Lock is stale, taking it over", "path", path, "pid", current.PID, "age", age.Truncate(time.Second))
		}

		if err := takeOver(path, owner); err != nil {
			if !errors.Is(err, ErrLostRace) {
				plog.Warn("Lock takeover failed, retrying", "path", path, "error", err)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		return start(path, owner), nil
	}
	return nil, fmt.Errorf("could not acquire %s (contention)", path)
}

func newOwner(profile, command string) (Owner, error) {
	host, err := os.Hostname()
	if err != nil {
		return Owner{}, err
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return Owner{}, fmt.Errorf("failed to generate lock token: %w", err)
	}
	return Owner{
		PID:       int64(os.Getpid()),
		Host:      host,
		Profile:   profile,
		Command:   command,
		Heartbeat: time.Now().UTC(),
		Token:     hex.EncodeToString(b),
	}, nil
}

func createExclusive(path string, owner Owner) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	err = json.NewEncoder(f).Encode(owner)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// takeOver replaces the lock file atomically and reads it back to see
// whether this process won.
func takeOver(path string, owner Owner) error {
	if err := writeAtomic(path, owner); err != nil {
		return err
	}
	got, err := read(path)
	if err != nil {
		return fmt.Errorf("failed to read back lock file: %w", err)
	}
	if got.PID != owner.PID || got.Token != owner.Token {
		return ErrLostRace
	}
	return nil
}

func start(path string, owner Owner) *Lock {
	removeOldTemps(path)
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lock{path: path, owner: owner, stop: cancel, done: make(chan struct{})}
	go l.heartbeat(ctx)
	plog.Debug("Lock acquired", "path", path)
	return l
}

// Path returns the lock file.
func (l *Lock) Path() string {
	return l.path
}

// Release stops the heartbeat and removes the lock file. Calling it more
// than once is harmless.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.stop()
	<-l.done
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func (l *Lock) heartbeat(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.owner.Heartbeat = time.Now().UTC()
			if err := writeAtomic(l.path, l.owner); err != nil {
				plog.Warn("Lock heartbeat failed", "path", l.path, "error", err)
			}
		}
	}
}

// writeAtomic writes owner to a temp file next to path and renames it over
// path, so readers never see a partial file.
func writeAtomic(path string, owner Owner) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := json.NewEncoder(tmp).Encode(owner); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp lock file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// read parses the lock file, retrying briefly on empty or partial content.
func read(path string) (Owner, error) {
	var lastErr error
	for i := 0; i < 3; i++ {
		data, err := os.ReadFile(path)
		if err != nil {
			return Owner{}, err
		}
		var o Owner
		if len(data) == 0 {
			lastErr = errors.New("empty file")
		} else if lastErr = json.Unmarshal(data, &o); lastErr == nil {
			return o, nil
		}
		time.Sleep(readRetryDelay)
	}
	return Owner{}, fmt.Errorf("%w: %v", ErrCorrupt, lastErr)
}

// removeOldTemps deletes temp files left by crashed heartbeats. Only files
// older than the stale timeout are touched.
func removeOldTemps(path string) {
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), filepath.Base(path)+".*.tmp"))
	if err != nil {
		return
	}
	threshold := time.Now().Add(-staleAfter)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.ModTime().Before(threshold) {
			continue
		}
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			plog.Warn("Failed to remove leftover temp lock file", "path", m, "error", err)
		}
	}
}
