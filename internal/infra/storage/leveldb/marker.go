package leveldb

import (
	"context"

	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/vietddude/blockstor/internal/core/domain"
)

func (s *Store) GetMarker(ctx context.Context, consumer string) (*domain.Marker, error) {
	key := markerKey(consumer)
	v, err := s.get(key)
	if err != nil {
		return nil, err
	}
	return decodeMarker(key, v)
}

func (s *Store) PutMarker(ctx context.Context, m *domain.Marker) error {
	return s.db.Put(markerKey(m.Consumer), encodeMarker(m), nil)
}

func (s *Store) DeleteMarker(ctx context.Context, consumer string) error {
	return s.db.Delete(markerKey(consumer), nil)
}

func (s *Store) ListMarkers(ctx context.Context) ([]*domain.Marker, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte{prefixMarker}), nil)
	defer it.Release()

	var out []*domain.Marker
	for it.Next() {
		m, err := decodeMarker(it.Key(), it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, it.Error()
}
