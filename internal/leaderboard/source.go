package leaderboard

import (
	"context"

	"github.com/sevenofnine/coursework-sync/internal/domain"
	"github.com/sevenofnine/coursework-sync/internal/store"
)

// StoreSource turns a store subscription on one shard prefix into a Source.
type StoreSource struct {
	Store *store.Store
	Name  string
}

func (s StoreSource) Shard() string { return s.Name }

func (s StoreSource) Subscribe(ctx context.Context) (<-chan []domain.Participant, error) {
	snaps, cancel := s.Store.Subscribe(store.BucketParticipants, store.ShardPrefix(s.Name))
	out := make(chan []domain.Participant)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				records, err := store.Decode[domain.Participant](snap.Docs)
				if err != nil {
					continue
				}
				select {
				case out <- records:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// StoreSources builds one source per shard.
func StoreSources(s *store.Store, shards []string) []Source {
	out := make([]Source, 0, len(shards))
	for _, shard := range shards {
		out = append(out, StoreSource{Store: s, Name: shard})
	}
	return out
}
