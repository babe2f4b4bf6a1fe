// Package session holds the server's in-memory view of connected clients:
// their keys, activity timestamps and in-flight partial transfers.
//
// The registry is a sharded map with one lock per session, so operations on
// the same identity never interleave while operations on different
// identities proceed concurrently.
package session

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/protocol"
)

const shardCount = 16

var (
	// ErrNoSession indicates an identity with no live session.
	ErrNoSession = errors.New("session: no session for identity")
	// ErrNoPartial indicates a chunk for a file with no open partial transfer.
	ErrNoPartial = errors.New("session: no partial transfer for file")
	// ErrChunkOutOfOrder indicates a chunk sequence number that does not
	// match the expected next chunk.
	ErrChunkOutOfOrder = errors.New("session: chunk out of order")
	// ErrTransferOverflow indicates more chunk bytes than the transfer declared.
	ErrTransferOverflow = errors.New("session: transfer exceeds declared size")
)

// Session is the per-client state. Fields are guarded by the registry's
// per-session lock; access them through WithSession or the registry methods.
type Session struct {
	mu sync.Mutex

	ID         protocol.ClientID
	Name       string
	PublicKey  []byte // exported wire form
	SessionKey []byte // replaced on every successful handshake

	lastSeen time.Time
	partials map[string]*PartialTransfer
}

// PartialTransfer is an in-progress, not-yet-verified upload.
type PartialTransfer struct {
	Filename      string
	DeclaredTotal uint32
	Received      uint32
	NextSequence  uint16
	TotalChunks   uint16
	CreatedAt     time.Time

	buf []byte
}

// Registry is the concurrent session store.
type Registry struct {
	shards [shardCount]registryShard
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[protocol.ClientID]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[protocol.ClientID]*Session)
	}
	return r
}

func (r *Registry) shard(id protocol.ClientID) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return &r.shards[h.Sum32()%shardCount]
}

// GetOrCreate returns the session for id, creating it if absent. The name is
// recorded on creation and on reconnect.
func (r *Registry) GetOrCreate(id protocol.ClientID, name string) *Session {
	shard := r.shard(id)

	shard.mu.Lock()
	s, ok := shard.sessions[id]
	if !ok {
		s = &Session{
			ID:       id,
			Name:     name,
			lastSeen: time.Now(),
			partials: make(map[string]*PartialTransfer),
		}
		shard.sessions[id] = s
	}
	shard.mu.Unlock()

	if ok && name != "" {
		s.mu.Lock()
		s.Name = name
		s.lastSeen = time.Now()
		s.mu.Unlock()
	}
	return s
}

// Get returns the session for id, if any.
func (r *Registry) Get(id protocol.ClientID) (*Session, bool) {
	shard := r.shard(id)
	shard.mu.RLock()
	s, ok := shard.sessions[id]
	shard.mu.RUnlock()
	return s, ok
}

// Remove deletes the session for id.
func (r *Registry) Remove(id protocol.ClientID) {
	shard := r.shard(id)
	shard.mu.Lock()
	delete(shard.sessions, id)
	shard.mu.Unlock()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	total := 0
	for i := range r.shards {
		r.shards[i].mu.RLock()
		total += len(r.shards[i].sessions)
		r.shards[i].mu.RUnlock()
	}
	return total
}

// WithSession runs fn under the session's lock. The lock is held only for
// the duration of fn, which must not block on I/O.
func (r *Registry) WithSession(id protocol.ClientID, fn func(*Session) error) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
	return fn(s)
}

// UpdateSessionKey replaces the session key after a successful handshake.
func (r *Registry) UpdateSessionKey(id protocol.ClientID, key []byte) error {
	return r.WithSession(id, func(s *Session) error {
		s.SessionKey = append([]byte(nil), key...)
		return nil
	})
}

// Touch refreshes the session's last-seen timestamp.
func (r *Registry) Touch(id protocol.ClientID) error {
	return r.WithSession(id, func(s *Session) error { return nil })
}

// LastSeen returns the session's last activity time.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// SessionKeyCopy returns a copy of the current session key.
func (s *Session) SessionKeyCopy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.SessionKey...)
}

// BeginPartial opens (or restarts) the partial transfer for filename. Called
// under the session lock.
func (s *Session) BeginPartial(filename string, declaredTotal uint32, totalChunks uint16) *PartialTransfer {
	p := &PartialTransfer{
		Filename:      filename,
		DeclaredTotal: declaredTotal,
		NextSequence:  1,
		TotalChunks:   totalChunks,
		CreatedAt:     time.Now(),
		buf:           make([]byte, 0, declaredTotal),
	}
	s.partials[filename] = p
	return p
}

// Partial returns the open partial transfer for filename, if any. Called
// under the session lock.
func (s *Session) Partial(filename string) (*PartialTransfer, bool) {
	p, ok := s.partials[filename]
	return p, ok
}

// DropPartial discards the partial transfer for filename. Called under the
// session lock.
func (s *Session) DropPartial(filename string) {
	delete(s.partials, filename)
}

// PartialCount returns the number of open partial transfers. Called under
// the session lock.
func (s *Session) PartialCount() int {
	return len(s.partials)
}

// AppendChunk adds one chunk's plaintext to the transfer, enforcing order
// and the declared total. It reports whether the transfer is now complete.
func (p *PartialTransfer) AppendChunk(sequence uint16, data []byte) (bool, error) {
	if sequence != p.NextSequence {
		return false, fmt.Errorf("%w: got %d want %d", ErrChunkOutOfOrder, sequence, p.NextSequence)
	}
	if p.Received+uint32(len(data)) > p.DeclaredTotal {
		return false, fmt.Errorf("%w: %d + %d > %d", ErrTransferOverflow, p.Received, len(data), p.DeclaredTotal)
	}

	p.buf = append(p.buf, data...)
	p.Received += uint32(len(data))
	p.NextSequence++

	return p.Received == p.DeclaredTotal, nil
}

// Bytes returns the reassembled plaintext accumulated so far.
func (p *PartialTransfer) Bytes() []byte {
	return p.buf
}

// SweepIdle removes sessions whose last activity is older than maxAge,
// returning the removed identities. It takes the same per-session locks as
// request handlers, so no torn reads occur.
func (r *Registry) SweepIdle(maxAge time.Duration) []protocol.ClientID {
	cutoff := time.Now().Add(-maxAge)

	var removed []protocol.ClientID
	for i := range r.shards {
		shard := &r.shards[i]

		shard.mu.Lock()
		for id, s := range shard.sessions {
			s.mu.Lock()
			stale := s.lastSeen.Before(cutoff)
			s.mu.Unlock()
			if stale {
				delete(shard.sessions, id)
				removed = append(removed, id)
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// SweepPartials discards partial transfers older than maxAge across all
// sessions, independent of session staleness. It returns the number
// discarded.
func (r *Registry) SweepPartials(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	discarded := 0
	for i := range r.shards {
		shard := &r.shards[i]

		shard.mu.RLock()
		sessions := make([]*Session, 0, len(shard.sessions))
		for _, s := range shard.sessions {
			sessions = append(sessions, s)
		}
		shard.mu.RUnlock()

		for _, s := range sessions {
			s.mu.Lock()
			for name, p := range s.partials {
				if p.CreatedAt.Before(cutoff) {
					delete(s.partials, name)
					discarded++
				}
			}
			s.mu.Unlock()
		}
	}
	return discarded
}
