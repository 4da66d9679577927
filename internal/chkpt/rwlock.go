// Package chkpt implements the three-lock checkpoint hierarchy and the
// checkpoint driver (spec §4.5/§4.6, components C6/C7): a writer-preferential
// non-recursive rw-lock, the checkpoint-safe / low-priority-multi-operation /
// multi-operation triple acquired in that strict order, and
// the checkpoint() algorithm that drives pagecache.Cache through its
// begin/end checkpoint contract.
//
// Grounded on the teacher's buffer.Manager, which serializes every pool
// mutation behind a single sync.Mutex with waiters parked via condition
// variables; generalized here into three distinct locks since the
// checkpoint driver must hold them in a specific nested order rather than
// a single mutex.
package chkpt

import "sync"

// rwLock is a writer-preferential, non-recursive reader/writer lock: once
// a writer is waiting, new readers block behind it rather than continuing
// to starve it the way Go's sync.RWMutex alone does not guarantee (spec
// §4.5 "RW-lock implementation requirements").
type rwLock struct {
	mu sync.Mutex
	// readCond/writeCond are both broadcast off mu; a single cond would
	// work but splitting them avoids waking writers on every reader
	// release and vice versa.
	readCond  *sync.Cond
	writeCond *sync.Cond

	readers      int
	writerActive bool
	writersWaiting int
}

func newRWLock() *rwLock {
	l := &rwLock{}
	l.readCond = sync.NewCond(&l.mu)
	l.writeCond = sync.NewCond(&l.mu)
	return l
}

// RLock blocks while a writer holds the lock or one is waiting to acquire
// it (writer preference).
func (l *rwLock) RLock() {
	l.mu.Lock()
	for l.writerActive || l.writersWaiting > 0 {
		l.readCond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

func (l *rwLock) RUnlock() {
	l.mu.Lock()
	l.readers--
	if l.readers == 0 {
		l.writeCond.Signal()
	}
	l.mu.Unlock()
}

// Lock acquires the writer lock, blocking out every new reader from the
// moment it starts waiting.
func (l *rwLock) Lock() {
	l.mu.Lock()
	l.writersWaiting++
	for l.writerActive || l.readers > 0 {
		l.writeCond.Wait()
	}
	l.writersWaiting--
	l.writerActive = true
	l.mu.Unlock()
}

func (l *rwLock) Unlock() {
	l.mu.Lock()
	l.writerActive = false
	if l.writersWaiting > 0 {
		l.writeCond.Signal()
	} else {
		l.readCond.Broadcast()
	}
	l.mu.Unlock()
}

// waiters reports the number of writers currently blocked waiting to
// acquire the lock. The driver does not read it; the package tests use it
// to observe a queued writer.
func (l *rwLock) waiters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writersWaiting
}
