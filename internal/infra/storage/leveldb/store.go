// Package leveldb implements the storage engine on goleveldb.
//
// All records live in one ordered keyspace split by a one-byte namespace
// prefix (see keys.go). Block application, rollback and rewrite are each
// committed as a single leveldb.Batch, so a crash leaves either the whole
// block or none of it.
package leveldb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/vietddude/blockstor/internal/core/domain"
	"github.com/vietddude/blockstor/internal/infra/storage"
)

const currentVersion = 1

// Config holds storage settings.
type Config struct {
	DataDir       string `yaml:"data_dir"`
	CacheSizeMB   int    `yaml:"cache_size_mb"`
	WriteBufferMB int    `yaml:"write_buffer_mb"`
	// RawBlocks keeps each applied block's serialized bytes.
	RawBlocks bool `yaml:"raw_blocks"`
	// RawBlockRetention is how many heights below the tip raw blocks are
	// kept; zero keeps them all.
	RawBlockRetention uint32 `yaml:"raw_block_retention"`
	ReadOnly          bool   `yaml:"-"`
	SearchLimit       int    `yaml:"-"`
	RangeLimit        int    `yaml:"-"`
}

// Store is the goleveldb storage engine.
type Store struct {
	db  *leveldb.DB
	cfg Config
	log *slog.Logger

	// serializes block writers; readers never take it
	writeMu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database under cfg.DataDir.
func Open(cfg Config) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("storage: data_dir is required")
	}
	if !cfg.ReadOnly {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	o := &opt.Options{
		ReadOnly:       cfg.ReadOnly,
		ErrorIfMissing: cfg.ReadOnly,
	}
	if cfg.CacheSizeMB > 0 {
		o.BlockCacheCapacity = cfg.CacheSizeMB * opt.MiB
	}
	if cfg.WriteBufferMB > 0 {
		o.WriteBuffer = cfg.WriteBufferMB * opt.MiB
	}

	db, err := leveldb.OpenFile(cfg.DataDir, o)
	if ldberrors.IsCorrupted(err) && !cfg.ReadOnly {
		slog.Warn("leveldb corrupted, attempting recovery", "dir", cfg.DataDir, "err", err)
		db, err = leveldb.RecoverFile(cfg.DataDir, o)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}
	return newStore(db, cfg)
}

// OpenMem opens an in-memory database.
func OpenMem(cfg Config) (*Store, error) {
	db, err := leveldb.Open(ldbstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory leveldb: %w", err)
	}
	return newStore(db, cfg)
}

func newStore(db *leveldb.DB, cfg Config) (*Store, error) {
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = storage.MaxSearchResults
	}
	if cfg.RangeLimit <= 0 {
		cfg.RangeLimit = storage.MaxRangeLimit
	}
	s := &Store{
		db:  db,
		cfg: cfg,
		log: slog.Default().With("component", "storage"),
	}
	if err := s.checkVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkVersion() error {
	v, err := s.db.Get(versionKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		if s.cfg.ReadOnly {
			return nil
		}
		return s.db.Put(versionKey, binary.BigEndian.AppendUint32(nil, currentVersion), nil)
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if len(v) != 4 || binary.BigEndian.Uint32(v) != currentVersion {
		return fmt.Errorf("unsupported schema version %x (want %d)", v, currentVersion)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RawBlocksEnabled reports whether applied blocks keep their raw bytes.
func (s *Store) RawBlocksEnabled() bool {
	return s.cfg.RawBlocks
}

func (s *Store) get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	return v, err
}

// Tip returns the highest block header.
func (s *Store) Tip(ctx context.Context) (*domain.BlockHeader, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte{prefixBlock}), nil)
	defer it.Release()
	if !it.Last() {
		if err := it.Error(); err != nil {
			return nil, err
		}
		return nil, storage.ErrNotFound
	}
	return decodeHeader(it.Key(), it.Value())
}

func (s *Store) BlockHeader(ctx context.Context, height uint32) (*domain.BlockHeader, error) {
	key := blockKey(height)
	v, err := s.get(key)
	if err != nil {
		return nil, err
	}
	return decodeHeader(key, v)
}

func (s *Store) Transaction(ctx context.Context, txid chainhash.Hash) (*domain.TxRecord, error) {
	key := transactionKey(txid)
	v, err := s.get(key)
	if err != nil {
		return nil, err
	}
	return decodeTransaction(key, v)
}

func (s *Store) TxOutput(ctx context.Context, txid chainhash.Hash, index uint32) (*domain.TxOutput, error) {
	key := txOutputKey(txid, index)
	v, err := s.get(key)
	if err != nil {
		return nil, err
	}
	return decodeTxOutput(key, v)
}

func (s *Store) Balance(ctx context.Context, address string) (domain.Balance, error) {
	v, err := s.get(balanceKey(address))
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Balance{Address: address}, nil
	}
	if err != nil {
		return domain.Balance{}, err
	}
	return decodeBalance(address, v)
}
