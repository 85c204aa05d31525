package leveldb

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/vietddude/blockstor/internal/core/domain"
)

// Namespace prefixes. Every key starts with one of these bytes and the rest
// is laid out so byte order matches iteration order.
const (
	prefixBlock       byte = 0x00 // height -> hash, time, start sequence, tx count
	prefixTxOutput    byte = 0x01 // txid, n -> sequence, value, owners
	prefixUnspent     byte = 0x02 // address, sequence, txid, n -> value
	prefixTransaction byte = 0x03 // txid -> height, time, sequence
	prefixBalance     byte = 0x04 // address -> value, utxo count
	prefixLedger      byte = 0x05 // address, sequence, direction -> txid, value
	prefixMarker      byte = 0x06 // consumer -> sequence, rollback flag, updated
	prefixRawBlock    byte = 0x07 // height, hash -> inserted, raw bytes
	prefixMeta        byte = 0xff
)

const maxAddressLen = 255

var versionKey = []byte{prefixMeta, 'V', 'E', 'R', 'S', 'I', 'O', 'N'}

// hashes are kept in display order so hex prefixes map to key prefixes
func putHash(dst []byte, h chainhash.Hash) {
	for i := range chainhash.HashSize {
		dst[i] = h[chainhash.HashSize-1-i]
	}
}

func readHash(src []byte) chainhash.Hash {
	var h chainhash.Hash
	for i := range chainhash.HashSize {
		h[i] = src[chainhash.HashSize-1-i]
	}
	return h
}

func blockKey(height uint32) []byte {
	k := make([]byte, 5)
	k[0] = prefixBlock
	binary.BigEndian.PutUint32(k[1:], height)
	return k
}

func encodeHeader(h *domain.BlockHeader) []byte {
	v := make([]byte, 48)
	putHash(v, h.Hash)
	binary.BigEndian.PutUint32(v[32:], h.Time)
	binary.BigEndian.PutUint64(v[36:], h.StartSequence)
	binary.BigEndian.PutUint32(v[44:], h.TxCount)
	return v
}

func decodeHeader(key, v []byte) (*domain.BlockHeader, error) {
	if len(key) != 5 || len(v) != 48 {
		return nil, fmt.Errorf("malformed block header record")
	}
	return &domain.BlockHeader{
		Height:        binary.BigEndian.Uint32(key[1:]),
		Hash:          readHash(v),
		Time:          binary.BigEndian.Uint32(v[32:]),
		StartSequence: binary.BigEndian.Uint64(v[36:]),
		TxCount:       binary.BigEndian.Uint32(v[44:]),
	}, nil
}

func transactionKey(txid chainhash.Hash) []byte {
	k := make([]byte, 33)
	k[0] = prefixTransaction
	putHash(k[1:], txid)
	return k
}

func encodeTransaction(tx *domain.TxRecord) []byte {
	v := make([]byte, 16)
	binary.BigEndian.PutUint32(v, tx.Height)
	binary.BigEndian.PutUint32(v[4:], tx.Time)
	binary.BigEndian.PutUint64(v[8:], tx.Sequence)
	return v
}

func decodeTransaction(key, v []byte) (*domain.TxRecord, error) {
	if len(key) != 33 || len(v) != 16 {
		return nil, fmt.Errorf("malformed transaction record")
	}
	return &domain.TxRecord{
		Txid:     readHash(key[1:]),
		Height:   binary.BigEndian.Uint32(v),
		Time:     binary.BigEndian.Uint32(v[4:]),
		Sequence: binary.BigEndian.Uint64(v[8:]),
	}, nil
}

func txOutputKey(txid chainhash.Hash, index uint32) []byte {
	k := make([]byte, 37)
	k[0] = prefixTxOutput
	putHash(k[1:], txid)
	binary.BigEndian.PutUint32(k[33:], index)
	return k
}

func encodeTxOutput(o *domain.TxOutput) []byte {
	size := 18
	for _, a := range o.Owners {
		size += 1 + len(a)
	}
	v := make([]byte, 18, size)
	binary.BigEndian.PutUint64(v, o.Sequence)
	binary.BigEndian.PutUint64(v[8:], uint64(o.Value))
	binary.BigEndian.PutUint16(v[16:], uint16(len(o.Owners)))
	for _, a := range o.Owners {
		v = append(v, byte(len(a)))
		v = append(v, a...)
	}
	return v
}

func decodeTxOutput(key, v []byte) (*domain.TxOutput, error) {
	if len(key) != 37 || len(v) < 18 {
		return nil, fmt.Errorf("malformed txoutput record")
	}
	o := &domain.TxOutput{
		Txid:     readHash(key[1:]),
		Index:    binary.BigEndian.Uint32(key[33:]),
		Sequence: binary.BigEndian.Uint64(v),
		Value:    domain.Amount(binary.BigEndian.Uint64(v[8:])),
	}
	n := int(binary.BigEndian.Uint16(v[16:]))
	o.Owners = make([]string, 0, n)
	rest := v[18:]
	for range n {
		if len(rest) < 1 || len(rest) < 1+int(rest[0]) {
			return nil, fmt.Errorf("malformed txoutput owners")
		}
		l := int(rest[0])
		o.Owners = append(o.Owners, string(rest[1:1+l]))
		rest = rest[1+l:]
	}
	return o, nil
}

// addressPrefix is prefix | len(address) | address. The length byte keeps
// one address from being a key prefix of another.
func addressPrefix(prefix byte, address string) []byte {
	k := make([]byte, 2, 2+len(address)+45)
	k[0] = prefix
	k[1] = byte(len(address))
	return append(k, address...)
}

func sequenceKey(prefix byte, address string, seq uint64) []byte {
	k := addressPrefix(prefix, address)
	return binary.BigEndian.AppendUint64(k, seq)
}

func unspentKey(address string, seq uint64, txid chainhash.Hash, index uint32) []byte {
	k := sequenceKey(prefixUnspent, address, seq)
	k = append(k, make([]byte, chainhash.HashSize)...)
	putHash(k[len(k)-chainhash.HashSize:], txid)
	return binary.BigEndian.AppendUint32(k, index)
}

func decodeUnspent(key, v []byte) (domain.Utxo, error) {
	if len(key) < 2 || len(v) != 8 {
		return domain.Utxo{}, fmt.Errorf("malformed unspent record")
	}
	l := int(key[1])
	if len(key) != 2+l+8+32+4 {
		return domain.Utxo{}, fmt.Errorf("malformed unspent key")
	}
	rest := key[2+l:]
	return domain.Utxo{
		Address:  string(key[2 : 2+l]),
		Sequence: binary.BigEndian.Uint64(rest),
		Txid:     readHash(rest[8:]),
		Index:    binary.BigEndian.Uint32(rest[40:]),
		Value:    domain.Amount(binary.BigEndian.Uint64(v)),
	}, nil
}

func ledgerKey(address string, seq uint64, dir domain.Direction) []byte {
	k := sequenceKey(prefixLedger, address, seq)
	return append(k, byte(dir))
}

func encodeLedger(e *domain.LedgerEntry) []byte {
	v := make([]byte, 40)
	putHash(v, e.Txid)
	binary.BigEndian.PutUint64(v[32:], uint64(e.Value))
	return v
}

func decodeLedger(key, v []byte) (domain.LedgerEntry, error) {
	if len(key) < 2 || len(v) != 40 {
		return domain.LedgerEntry{}, fmt.Errorf("malformed ledger record")
	}
	l := int(key[1])
	if len(key) != 2+l+9 {
		return domain.LedgerEntry{}, fmt.Errorf("malformed ledger key")
	}
	return domain.LedgerEntry{
		Address:   string(key[2 : 2+l]),
		Sequence:  binary.BigEndian.Uint64(key[2+l:]),
		Direction: domain.Direction(key[2+l+8]),
		Txid:      readHash(v),
		Value:     domain.Amount(binary.BigEndian.Uint64(v[32:])),
	}, nil
}

func balanceKey(address string) []byte {
	k := make([]byte, 1, 1+len(address))
	k[0] = prefixBalance
	return append(k, address...)
}

func encodeBalance(b *domain.Balance) []byte {
	v := make([]byte, 12)
	binary.BigEndian.PutUint64(v, uint64(b.Value))
	binary.BigEndian.PutUint32(v[8:], b.UtxoCount)
	return v
}

func decodeBalance(address string, v []byte) (domain.Balance, error) {
	if len(v) != 12 {
		return domain.Balance{}, fmt.Errorf("malformed balance record")
	}
	return domain.Balance{
		Address:   address,
		Value:     domain.Amount(binary.BigEndian.Uint64(v)),
		UtxoCount: binary.BigEndian.Uint32(v[8:]),
	}, nil
}

func markerKey(consumer string) []byte {
	k := make([]byte, 1, 1+len(consumer))
	k[0] = prefixMarker
	return append(k, consumer...)
}

func encodeMarker(m *domain.Marker) []byte {
	v := make([]byte, 17)
	binary.BigEndian.PutUint64(v, m.Sequence)
	if m.RolledBack {
		v[8] = 1
	}
	binary.BigEndian.PutUint64(v[9:], uint64(m.UpdatedAt.Unix()))
	return v
}

func decodeMarker(key, v []byte) (*domain.Marker, error) {
	if len(key) < 1 || len(v) != 17 {
		return nil, fmt.Errorf("malformed marker record")
	}
	return &domain.Marker{
		Consumer:   string(key[1:]),
		Sequence:   binary.BigEndian.Uint64(v),
		RolledBack: v[8] == 1,
		UpdatedAt:  time.Unix(int64(binary.BigEndian.Uint64(v[9:])), 0),
	}, nil
}

func rawBlockKey(height uint32, hash chainhash.Hash) []byte {
	k := make([]byte, 37)
	k[0] = prefixRawBlock
	binary.BigEndian.PutUint32(k[1:], height)
	putHash(k[5:], hash)
	return k
}

func encodeRawBlock(data []byte, inserted time.Time) []byte {
	v := make([]byte, 8, 8+len(data))
	binary.BigEndian.PutUint64(v, uint64(inserted.Unix()))
	return append(v, data...)
}

func decodeRawBlock(key, v []byte) (*domain.RawBlock, error) {
	if len(key) != 37 || len(v) < 8 {
		return nil, fmt.Errorf("malformed raw block record")
	}
	data := make([]byte, len(v)-8)
	copy(data, v[8:])
	return &domain.RawBlock{
		Height:     binary.BigEndian.Uint32(key[1:]),
		Hash:       readHash(key[5:]),
		Data:       data,
		InsertedAt: time.Unix(int64(binary.BigEndian.Uint64(v)), 0),
	}, nil
}

func encodeAmount(v domain.Amount) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v))
}

func decodeAmount(v []byte) (domain.Amount, error) {
	if len(v) != 8 {
		return 0, fmt.Errorf("malformed amount")
	}
	return domain.Amount(binary.BigEndian.Uint64(v)), nil
}

func validAddress(address string) error {
	if len(address) == 0 || len(address) > maxAddressLen {
		return fmt.Errorf("address length %d out of range", len(address))
	}
	return nil
}
