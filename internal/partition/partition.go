// Package partition implements the Partition Service (L7): the
// partition-owner table, its admission rule, and the key-to-partition
// hashing used to route partition-aware invocations.
package partition

import (
	"strings"
	"sync"

	"github.com/meshkv/go-client/internal/kverrors"
)

// Table is an immutable snapshot of partition ownership.
type Table struct {
	SourceConnection any // typically *conn.Connection; kept untyped to avoid an import of internal/conn here
	Version          int64
	Owners           map[int32]string // partitionId -> owner member UUID
}

var emptyTable = &Table{Version: -1, Owners: map[int32]string{}}

// Entry is one owner's partition assignment, as reported by the cluster:
// a member UUID and every partition id it currently owns.
type Entry struct {
	MemberUUID string
	Partitions []int32
}

// Service holds the current Table and the partition count, fixed for the
// client's lifetime once the first authentication response sets it.
type Service struct {
	mu             sync.Mutex
	table          *Table
	partitionCount int32
}

// New constructs an empty Service.
func New() *Service {
	return &Service{table: emptyTable}
}

// CheckAndSetPartitionCount sets the partition count the first time it is
// called with a nonzero value; subsequent calls must agree or the cluster
// is lying about its topology, in which case false is returned.
func (s *Service) CheckAndSetPartitionCount(count int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partitionCount == 0 {
		s.partitionCount = count
		return true
	}
	return s.partitionCount == count
}

// PartitionCount returns the fixed partition count, or 0 if not yet known.
func (s *Service) PartitionCount() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partitionCount
}

// OwnerOf returns the member UUID owning partitionID, or "" if unknown.
func (s *Service) OwnerOf(partitionID int32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uuid, ok := s.table.Owners[partitionID]
	return uuid, ok
}

// HandlePartitionsView applies a partitions-view event per the admission
// rule: entries must be non-empty, and either sourceConnection differs
// from the table's current source or version is strictly greater.
func (s *Service) HandlePartitionsView(sourceConnection any, entries []Entry, version int64) {
	if len(entries) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sourceConnection == s.table.SourceConnection && version <= s.table.Version {
		return
	}

	owners := make(map[int32]string)
	for _, e := range entries {
		for _, p := range e.Partitions {
			owners[p] = e.MemberUUID
		}
	}
	s.table = &Table{SourceConnection: sourceConnection, Version: version, Owners: owners}
}

// PartitionIDFor maps a precomputed key hash to a partition id by unsigned
// modulo reduction, matching original_source/hazelcast/partition.py's
// hash_to_index. Callers are responsible for any bit-spreading (e.g. the
// MurmurHash3 finalizer) before the hash reaches here — this function only
// reduces. Returns ClientOfflineError if the partition count is not yet
// known.
func (s *Service) PartitionIDFor(keyHash int32) (int32, error) {
	count := s.PartitionCount()
	if count == 0 {
		return 0, &kverrors.ClientOfflineError{}
	}
	return int32(uint32(keyHash) % uint32(count)), nil
}

// Murmur3Fmix32 is MurmurHash3's 32-bit finalization mixer. Proxies apply it
// to a raw key hash to produce the "pre-computed partition hash" PartitionIDFor
// expects, spreading bits before the modulo reduction.
func Murmur3Fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

// StringPartitionStrategy returns the partition-affecting substring of a
// string key: the suffix after '@' if present, else the key itself.
func StringPartitionStrategy(key string) string {
	if idx := strings.IndexByte(key, '@'); idx >= 0 {
		return key[idx+1:]
	}
	return key
}
