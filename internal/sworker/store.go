package sworker

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"strings"
)

// Store holds named partitions. A partition exists once something has been
// written to it and until it is dropped.
type Store interface {
	Partition(name string) Partition
	Names() ([]string, error)
	Drop(name string) error
	Close() error
}

// Partition is a key to Entry mapping keyed by request URL.
type Partition interface {
	Name() string
	Get(key string) (Entry, bool, error)
	// Put stores ent as the newest entry of the partition, replacing any
	// previous entry for key.
	Put(key string, ent Entry) error
	Delete(key string) error
	// Keys returns keys ordered from oldest to newest insertion.
	Keys() ([]string, error)
	Len() (int, error)
}

// OpenStore opens the store selected by the storage config section.
func OpenStore(cfg Config) (Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return newMemoryStore(), nil
	case "", "leveldb":
		return openLevelStore(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// trimPartition evicts the oldest entries until at most max remain.
func trimPartition(p Partition, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	keys, err := p.Keys()
	if err != nil {
		return 0, err
	}
	if len(keys) <= max {
		return 0, nil
	}
	evicted := 0
	for _, k := range keys[:len(keys)-max] {
		if err := p.Delete(k); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// dropSuperseded removes every entry that shares key's URL (ignoring the
// query string) except key itself.
func dropSuperseded(p Partition, key string) (int, error) {
	keys, err := p.Keys()
	if err != nil {
		return 0, err
	}
	base := stripQuery(key)
	n := 0
	for _, k := range keys {
		if k == key || stripQuery(k) != base {
			continue
		}
		if err := p.Delete(k); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func stripQuery(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}

// partitionName joins a partition base name with the worker version.
func partitionName(base, version string) string {
	return base + "-" + version
}

// splitPartitionName is the inverse of partitionName. Base names may contain
// dashes, versions may not.
func splitPartitionName(name string) (base, version string, ok bool) {
	i := strings.LastIndexByte(name, '-')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
