// Package lock serialises quarantine invocations that share a state store.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/miradorstack/flakeguard/internal/cache"
)

// ErrLocked is returned when another invocation already holds the lock.
var ErrLocked = errors.New("quarantine lock already held by another invocation")

// Locker acquires an exclusive, non-blocking run lock.
type Locker interface {
	Acquire(ctx context.Context) (Release, error)
}

// Release frees a held lock.
type Release func() error

// Nop is a Locker that always succeeds.
type Nop struct{}

// Acquire implements Locker.
func (Nop) Acquire(context.Context) (Release, error) {
	return func() error { return nil }, nil
}

// FileLock holds an advisory lock on a file next to the state file.
type FileLock struct {
	Path string
}

// NewFileLock returns a FileLock for path.
func NewFileLock(path string) *FileLock {
	return &FileLock{Path: path}
}

// Acquire implements Locker.
func (l *FileLock) Acquire(context.Context) (Release, error) {
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	return func() error {
		unlockErr := unlockFile(f)
		closeErr := f.Close()
		return errors.Join(unlockErr, closeErr)
	}, nil
}

// CacheLock holds a lock key in a cache Provider using SET NX with a TTL, so a crashed
// invocation cannot wedge the pipeline for longer than the TTL.
type CacheLock struct {
	provider cache.Provider
	key      string
	ttl      time.Duration
}

// NewCacheLock returns a CacheLock on key.
func NewCacheLock(provider cache.Provider, key string, ttl time.Duration) *CacheLock {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	return &CacheLock{provider: provider, key: key, ttl: ttl}
}

// Acquire implements Locker.
func (l *CacheLock) Acquire(ctx context.Context) (Release, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	ok, err := l.provider.SetNX(ctx, l.key, []byte(token), l.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() error {
		// Get+Del is not atomic; the TTL bounds the window in which another owner could be hit.
		held, err := l.provider.Get(context.Background(), l.key)
		if err != nil {
			if errors.Is(err, cache.ErrCacheMiss) {
				return nil
			}
			return err
		}
		if string(held) != token {
			return nil
		}
		return l.provider.Del(context.Background(), l.key)
	}, nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
