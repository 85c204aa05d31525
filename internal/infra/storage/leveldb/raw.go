package leveldb

import (
	"context"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/vietddude/blockstor/internal/core/domain"
)

func (s *Store) RawBlock(ctx context.Context, height uint32, hash chainhash.Hash) (*domain.RawBlock, error) {
	key := rawBlockKey(height, hash)
	v, err := s.get(key)
	if err != nil {
		return nil, err
	}
	return decodeRawBlock(key, v)
}

// PruneRawBlocks deletes every retained raw block below height.
func (s *Store) PruneRawBlocks(ctx context.Context, below uint32) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	limit := make([]byte, 5)
	limit[0] = prefixRawBlock
	binary.BigEndian.PutUint32(limit[1:], below)

	it := s.db.NewIterator(&util.Range{Start: []byte{prefixRawBlock}, Limit: limit}, nil)
	defer it.Release()

	wb := new(leveldb.Batch)
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		wb.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return 0, err
	}
	if wb.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(wb, nil); err != nil {
		return 0, err
	}
	return wb.Len(), nil
}
