package datastore

import (
	"sync"

	"github.com/opencontainers/go-digest"
)

// blobLocks serializes the writers of a digest's backend file with the
// garbage collector removing it.
type blobLocks struct {
	mu    sync.Mutex
	locks map[digest.Digest]*blobLock
}

type blobLock struct {
	sync.Mutex
	refs int
}

func (l *blobLocks) lock(dgst digest.Digest) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[digest.Digest]*blobLock)
	}
	bl, ok := l.locks[dgst]
	if !ok {
		bl = &blobLock{}
		l.locks[dgst] = bl
	}
	bl.refs++
	l.mu.Unlock()

	bl.Lock()
	return func() {
		bl.Unlock()
		l.mu.Lock()
		bl.refs--
		if bl.refs == 0 {
			delete(l.locks, dgst)
		}
		l.mu.Unlock()
	}
}

// LockBlob holds dgst against garbage collection until unlock is called.
// Callers committing a file to the digest's content path hold it until the
// blob row is recorded.
func (s *Store) LockBlob(dgst digest.Digest) (unlock func()) {
	return s.blobs.lock(dgst)
}
