package scheduler

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/herald-io/herald/internal/channel"
	"github.com/herald-io/herald/internal/message"
)

const shardCount = 16

// entry associates a tracked message with its requested channel type.
type entry struct {
	msg         *message.Notification
	channelType channel.Type
}

// store is the in-memory id->message map used for status introspection.
// It is sharded so concurrent status reads never contend on one lock.
type store struct {
	shards [shardCount]shard
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newStore() *store {
	s := &store{}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry)
	}
	return s
}

func (s *store) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *store) put(msg *message.Notification, channelType channel.Type) {
	sh := s.shardFor(msg.ID)
	sh.mu.Lock()
	sh.entries[msg.ID] = &entry{msg: msg, channelType: channelType}
	sh.mu.Unlock()
}

func (s *store) get(id string) (*entry, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	e, ok := sh.entries[id]
	sh.mu.RUnlock()
	return e, ok
}

func (s *store) delete(id string) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	delete(sh.entries, id)
	sh.mu.Unlock()
}

func (s *store) byStatus(status message.Status) []message.Snapshot {
	var snaps []message.Snapshot
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, e := range sh.entries {
			if snap := e.msg.Snapshot(); snap.Status == status {
				snaps = append(snaps, snap)
			}
		}
		sh.mu.RUnlock()
	}
	return snaps
}

func (s *store) countByStatus() map[message.Status]int {
	counts := make(map[message.Status]int)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, e := range sh.entries {
			counts[e.msg.Status()]++
		}
		sh.mu.RUnlock()
	}
	return counts
}

func (s *store) len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// purgeOlderThan removes entries created before the cutoff. In-flight
// messages are spared; a retried message older than the retention is
// still live intent. Everything else is swept, including SENT messages
// whose delivery receipt never arrived.
func (s *store) purgeOlderThan(cutoff time.Time) int {
	purged := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, e := range sh.entries {
			if e.msg.CreatedAt.Before(cutoff) && !inFlight(e.msg.Status()) {
				delete(sh.entries, id)
				purged++
			}
		}
		sh.mu.Unlock()
	}
	return purged
}

// inFlight reports whether a message is still owned by the queue or its
// retry loop.
func inFlight(s message.Status) bool {
	return s == message.StatusQueued || s == message.StatusSending || s == message.StatusRetrying
}
