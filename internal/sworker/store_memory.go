package sworker

import (
	"sort"
	"sync"
)

// memoryStore keeps partitions in process memory. Each partition is a doubly
// linked list ordered by insertion: head is the newest entry, tail the oldest.
type memoryStore struct {
	mu    sync.Mutex
	lists map[string]*memList
	seq   uint64
}

type memItem struct {
	key  string
	ent  Entry
	seq  uint64
	prev *memItem
	next *memItem
}

type memList struct {
	items map[string]*memItem
	head  *memItem
	tail  *memItem
}

func newMemoryStore() *memoryStore {
	return &memoryStore{lists: map[string]*memList{}}
}

func (s *memoryStore) Partition(name string) Partition {
	return &memPartition{s: s, name: name}
}

func (s *memoryStore) Names() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.lists))
	for n := range s.lists {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) Drop(name string) error {
	s.mu.Lock()
	delete(s.lists, name)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error { return nil }

type memPartition struct {
	s    *memoryStore
	name string
}

func (p *memPartition) Name() string { return p.name }

func (p *memPartition) Get(key string) (Entry, bool, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	l, ok := p.s.lists[p.name]
	if !ok {
		return Entry{}, false, nil
	}
	it, ok := l.items[key]
	if !ok {
		return Entry{}, false, nil
	}
	return it.ent, true, nil
}

func (p *memPartition) Put(key string, ent Entry) error {
	ent.Header = cloneHeader(ent.Header)

	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	l, ok := p.s.lists[p.name]
	if !ok {
		l = &memList{items: map[string]*memItem{}}
		p.s.lists[p.name] = l
	}
	p.s.seq++
	if it, ok := l.items[key]; ok {
		l.remove(it)
		it.ent = ent
		it.seq = p.s.seq
		l.addToFront(it)
		return nil
	}
	it := &memItem{key: key, ent: ent, seq: p.s.seq}
	l.items[key] = it
	l.addToFront(it)
	return nil
}

func (p *memPartition) Delete(key string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	l, ok := p.s.lists[p.name]
	if !ok {
		return nil
	}
	it, ok := l.items[key]
	if !ok {
		return nil
	}
	l.remove(it)
	delete(l.items, key)
	return nil
}

func (p *memPartition) Keys() ([]string, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	l, ok := p.s.lists[p.name]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(l.items))
	for it := l.tail; it != nil; it = it.prev {
		out = append(out, it.key)
	}
	return out, nil
}

func (p *memPartition) Len() (int, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	l, ok := p.s.lists[p.name]
	if !ok {
		return 0, nil
	}
	return len(l.items), nil
}

func (l *memList) addToFront(it *memItem) {
	it.prev = nil
	it.next = l.head
	if l.head != nil {
		l.head.prev = it
	}
	l.head = it
	if l.tail == nil {
		l.tail = it
	}
}

func (l *memList) remove(it *memItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		l.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		l.tail = it.prev
	}
	it.prev, it.next = nil, nil
}
