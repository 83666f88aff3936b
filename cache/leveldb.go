package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// key layout:
//
//	s:           last generation sequence number
//	g:<gen>      sequence number of the generation
//	e:<gen>\x00<key>  encoded snapshot
var (
	seqKey    = []byte("s:")
	genPrefix = []byte("g:")
	entPrefix = []byte("e:")
)

type LevelDBCache struct {
	db *leveldb.DB
	mu *sync.Mutex
}

var _ Provider = LevelDBCache{}

func NewLevelDBCache(path string) (LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return LevelDBCache{}, err
	}
	return LevelDBCache{db: db, mu: &sync.Mutex{}}, nil
}

func genKey(generation string) []byte {
	return append(bytes.Clone(genPrefix), generation...)
}

func entryPrefix(generation string) []byte {
	p := append(bytes.Clone(entPrefix), generation...)
	return append(p, 0)
}

func (l LevelDBCache) Open(_ context.Context, generation string) (Handle, error) {
	if err := validGeneration(generation); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(genKey(generation), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		var seq uint64
		b, err := l.db.Get(seqKey, nil)
		if err == nil && len(b) == 8 {
			seq = binary.BigEndian.Uint64(b)
		} else if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
			return nil, err
		}
		seq++
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, seq)
		batch := new(leveldb.Batch)
		batch.Put(seqKey, v)
		batch.Put(genKey(generation), v)
		if err := l.db.Write(batch, nil); err != nil {
			return nil, err
		}
	}
	return levelHandle{l: l, generation: generation}, nil
}

func (l LevelDBCache) Generations(_ context.Context) ([]string, error) {
	type gen struct {
		name string
		seq  uint64
	}
	gens := make([]gen, 0)
	it := l.db.NewIterator(util.BytesPrefix(genPrefix), nil)
	defer it.Release()
	for it.Next() {
		if len(it.Value()) != 8 {
			continue
		}
		gens = append(gens, gen{
			name: string(bytes.TrimPrefix(it.Key(), genPrefix)),
			seq:  binary.BigEndian.Uint64(it.Value()),
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].seq < gens[j].seq })
	names := make([]string, len(gens))
	for i, g := range gens {
		names[i] = g.name
	}
	return names, nil
}

func (l LevelDBCache) Destroy(_ context.Context, generation string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := new(leveldb.Batch)
	batch.Delete(genKey(generation))
	it := l.db.NewIterator(util.BytesPrefix(entryPrefix(generation)), nil)
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	return l.db.Write(batch, nil)
}

func (l LevelDBCache) Close() error {
	return l.db.Close()
}

type levelHandle struct {
	l          LevelDBCache
	generation string
}

func (h levelHandle) Generation() string {
	return h.generation
}

func (h levelHandle) Get(_ context.Context, key string) (*Snapshot, bool, error) {
	b, err := h.l.db.Get(append(entryPrefix(h.generation), key...), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	snap, err := UnmarshalSnapshot(b)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

func (h levelHandle) Put(_ context.Context, key string, snapshot *Snapshot) error {
	b, err := snapshot.MarshalBinary()
	if err != nil {
		return err
	}
	h.l.mu.Lock()
	defer h.l.mu.Unlock()
	ok, err := h.l.db.Has(genKey(h.generation), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGenerationNotFound
	}
	return h.l.db.Put(append(entryPrefix(h.generation), key...), b, nil)
}

func (h levelHandle) Keys(_ context.Context, cb func(string)) error {
	prefix := entryPrefix(h.generation)
	keys := make([]string, 0)
	it := h.l.db.NewIterator(util.BytesPrefix(prefix), nil)
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}
