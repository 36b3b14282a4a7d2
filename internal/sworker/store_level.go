package sworker

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lvstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	p:<partition>            partition marker
//	e:<partition>\x00<key>   gob Entry
//	m:<partition>\x00<key>   gob levelMeta
const keySep = "\x00"

type levelMeta struct {
	Seq      uint64
	Size     int64
	StoredAt int64
}

type levelStore struct {
	db *leveldb.DB

	mu    sync.Mutex
	index map[string]map[string]levelMeta
	seq   uint64
}

func openLevelStore(path string) (*levelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newLevelStore(db)
}

// openMemLevelStore runs the leveldb store on in-memory storage.
func openMemLevelStore() (*levelStore, error) {
	db, err := leveldb.Open(lvstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newLevelStore(db)
}

func newLevelStore(db *leveldb.DB) (*levelStore, error) {
	s := &levelStore{db: db, index: map[string]map[string]levelMeta{}}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *levelStore) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("p:")), nil)
	for it.Next() {
		s.index[string(bytes.TrimPrefix(it.Key(), []byte("p:")))] = map[string]levelMeta{}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	it = s.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()
	for it.Next() {
		rest := string(bytes.TrimPrefix(it.Key(), []byte("m:")))
		part, key, ok := cutKey(rest)
		if !ok {
			continue
		}
		var meta levelMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx, ok := s.index[part]
		if !ok {
			idx = map[string]levelMeta{}
			s.index[part] = idx
		}
		idx[key] = meta
		if meta.Seq > s.seq {
			s.seq = meta.Seq
		}
	}
	return it.Error()
}

func cutKey(s string) (part, key string, ok bool) {
	i := strings.IndexByte(s, 0)
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func entryKey(part, key string) []byte { return []byte("e:" + part + keySep + key) }
func metaKey(part, key string) []byte  { return []byte("m:" + part + keySep + key) }
func markerKey(part string) []byte     { return []byte("p:" + part) }

func (s *levelStore) Partition(name string) Partition {
	return &levelPartition{s: s, name: name}
}

func (s *levelStore) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.index))
	for n := range s.index {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (s *levelStore) Drop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, prefix := range []string{"e:", "m:"} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(prefix+name+keySep)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	batch.Delete(markerKey(name))
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	delete(s.index, name)
	return nil
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

type levelPartition struct {
	s    *levelStore
	name string
}

func (p *levelPartition) Name() string { return p.name }

func (p *levelPartition) Get(key string) (Entry, bool, error) {
	b, err := p.s.db.Get(entryKey(p.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, err
	}
	return ent, true, nil
}

func (p *levelPartition) Put(key string, ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}

	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	p.s.seq++
	meta := levelMeta{Seq: p.s.seq, Size: int64(len(b)), StoredAt: ent.StoredAt}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(markerKey(p.name), nil)
	batch.Put(entryKey(p.name, key), b)
	batch.Put(metaKey(p.name, key), mb)
	if err := p.s.db.Write(batch, nil); err != nil {
		return err
	}
	idx, ok := p.s.index[p.name]
	if !ok {
		idx = map[string]levelMeta{}
		p.s.index[p.name] = idx
	}
	idx[key] = meta
	return nil
}

func (p *levelPartition) Delete(key string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete(entryKey(p.name, key))
	batch.Delete(metaKey(p.name, key))
	if err := p.s.db.Write(batch, nil); err != nil {
		return err
	}
	if idx, ok := p.s.index[p.name]; ok {
		delete(idx, key)
	}
	return nil
}

func (p *levelPartition) Keys() ([]string, error) {
	p.s.mu.Lock()
	idx := p.s.index[p.name]
	type item struct {
		key string
		seq uint64
	}
	items := make([]item, 0, len(idx))
	for k, m := range idx {
		items = append(items, item{k, m.Seq})
	}
	p.s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]string, len(items))
	for i := range items {
		out[i] = items[i].key
	}
	return out, nil
}

func (p *levelPartition) Len() (int, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return len(p.s.index[p.name]), nil
}

// TotalSize reports the encoded size of all entries across partitions.
func (s *levelStore) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, idx := range s.index {
		for _, m := range idx {
			total += m.Size
		}
	}
	return total
}
