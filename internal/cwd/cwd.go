// Package cwd provides the process-wide working-directory lock. The
// process has exactly one current directory; pipeline construction
// resolves helper files relative to it, so every acquirer must agree on
// which directory is current while any of them are active.
package cwd

import (
	"fmt"
	"os"
	"sync"
)

// Lock is a process-wide recursive coordinator for os.Chdir. An acquirer
// nominates a directory, blocks until either no acquirer is active or
// every active acquirer nominated the same directory, increments a
// reference count, and on release restores the previous directory only
// when the count reaches zero.
type Lock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	dir     string // nominated directory while count > 0, "" otherwise
	count   int
	initial string
}

// New captures the process's current directory as the baseline to restore
// to once every acquirer has released.
func New() (*Lock, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("cwd: reading initial working directory: %w", err)
	}
	l := &Lock{initial: wd}
	l.cond = sync.NewCond(&l.mu)
	return l, nil
}

// Acquire nominates dir as the process's working directory. It blocks
// while another acquirer holds a different directory. The returned release
// function must be called exactly once; calling it more than once is a
// no-op.
func (l *Lock) Acquire(dir string) (release func(), err error) {
	l.mu.Lock()
	for l.count > 0 && l.dir != dir {
		l.cond.Wait()
	}
	if l.count == 0 {
		if chdirErr := os.Chdir(dir); chdirErr != nil {
			l.mu.Unlock()
			return nil, fmt.Errorf("cwd: chdir to %q: %w", dir, chdirErr)
		}
		l.dir = dir
	}
	l.count++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.count--
			if l.count == 0 {
				os.Chdir(l.initial)
				l.dir = ""
				l.cond.Broadcast()
			}
			l.mu.Unlock()
		})
	}, nil
}

// Current reports the directory currently nominated by the lock holders,
// or the process's initial directory when none hold it.
func (l *Lock) Current() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return l.initial
	}
	return l.dir
}
