package store

import "strings"

// Snapshot is the full set of documents under a subscribed prefix at the time
// of a change.
type Snapshot struct {
	Bucket string
	Prefix string
	Docs   []Doc
}

type subscription struct {
	bucket string
	prefix string
	ch     chan Snapshot
}

// Subscribe delivers an initial snapshot and then a new one after every write
// under prefix. Slow readers only ever see the latest snapshot. The returned
// func cancels the subscription and closes the channel.
func (s *Store) Subscribe(bucket []byte, prefix string) (<-chan Snapshot, func()) {
	sub := &subscription{bucket: string(bucket), prefix: prefix, ch: make(chan Snapshot, 1)}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.deliver(sub)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

func (s *Store) publish(bucket []byte, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.bucket == string(bucket) && strings.HasPrefix(key, sub.prefix) {
			s.deliver(sub)
		}
	}
}

// deliver must be called with s.mu held.
func (s *Store) deliver(sub *subscription) {
	docs, err := s.ListRaw([]byte(sub.bucket), sub.prefix)
	if err != nil {
		return
	}
	snap := Snapshot{Bucket: sub.bucket, Prefix: sub.prefix, Docs: docs}
	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- snap
}
