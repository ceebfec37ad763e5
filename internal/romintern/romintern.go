// Package romintern implements lookup_rom_array: interning immutable
// byte sequences destined for ROM so two functions that build the same
// array literal share one copy. This is the one intentionally
// process-wide structure shared across workers compiling different
// functions in parallel, so it is modeled as an explicit service
// object rather than a package-level singleton.
package romintern

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/crypto/blake2b"

	"github.com/8bitforge/moscore/internal/diag"
	"github.com/8bitforge/moscore/internal/locator"
)

// Entry is one interned byte sequence. Its own mutex guards the two
// usage bitsets independently of the Service's map lock: each entry
// protects its own bitsets rather than sharing the table-wide lock.
type Entry struct {
	Bytes []byte
	Label string

	mu              sync.Mutex
	usedByFns       *bitset.BitSet
	usedByGroupData *bitset.BitSet
}

// MarkUsedByFn records that fn's code references this array.
func (e *Entry) MarkUsedByFn(fn int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.usedByFns.Set(uint(fn))
}

// MarkUsedByGroupData records that groupData's initializer references
// this array.
func (e *Entry) MarkUsedByGroupData(groupData int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.usedByGroupData.Set(uint(groupData))
}

// UsedByFn reports whether fn was ever recorded against this entry.
func (e *Entry) UsedByFn(fn int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usedByFns.Test(uint(fn))
}

// UsedByGroupData reports whether groupData was ever recorded against
// this entry.
func (e *Entry) UsedByGroupData(groupData int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usedByGroupData.Test(uint(groupData))
}

// Service is the process-wide ROM-array intern table. A single mutex
// serializes insert/lookup, bucketed by a blake2b content hash so full-
// structure equality under the lock only ever compares within a
// same-hash bucket rather than scanning every interned array while
// holding the lock.
type Service struct {
	mu      sync.Mutex
	buckets map[[32]byte][]*Entry
	nextID  int

	// referencingFns is dedup bookkeeping distinct from any per-entry
	// bitset: which functions have interned at least one array,
	// queried wholesale by the driver's ROM-usage report rather than
	// per-entry, so a set fits better here than another bitset.
	referencingFns mapset.Set[int]

	count     atomic.Int64
	dedupHits atomic.Int64
}

// NewService creates an empty intern table.
func NewService() *Service {
	return &Service{
		buckets:        make(map[[32]byte][]*Entry),
		referencingFns: mapset.NewThreadUnsafeSet[int](),
	}
}

// ReferencingFns reports every function that has ever interned at
// least one ROM array through this service.
func (s *Service) ReferencingFns() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.referencingFns.ToSlice()
}

// Count reports how many distinct byte sequences are currently
// interned.
func (s *Service) Count() int64 { return s.count.Load() }

// DedupHits reports how many Lookup calls resolved to an already-
// interned entry instead of allocating a new one.
func (s *Service) DedupHits() int64 { return s.dedupHits.Load() }

// Lookup interns data if it hasn't been seen before and returns a
// locator naming it, recording that fn and groupData both reference
// it. offset must fall within [0, len(data)]; anything else is an
// out-of-range array thunk, returned as a user-facing diagnostic
// rather than panicked since it originates from caller-supplied data,
// not a core invariant.
func (s *Service) Lookup(fn, groupData int, data []byte, offset int) (locator.Locator, error) {
	if offset < 0 || offset > len(data) {
		return locator.Locator{}, &diag.UserError{
			Code:    diag.E1001,
			Level:   diag.LevelError,
			Message: fmt.Sprintf("array thunk offset %d out of range for a %d-byte array", offset, len(data)),
		}
	}

	entry := s.intern(data)
	entry.MarkUsedByFn(fn)
	entry.MarkUsedByGroupData(groupData)

	s.mu.Lock()
	s.referencingFns.Add(fn)
	s.mu.Unlock()

	if offset == 0 {
		return locator.Label(entry.Label), nil
	}
	return locator.LabelAt(entry.Label, offset), nil
}

func (s *Service) intern(data []byte) *Entry {
	sum := blake2b.Sum256(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.buckets[sum] {
		if bytes.Equal(e.Bytes, data) {
			s.dedupHits.Inc()
			return e
		}
	}

	e := &Entry{
		Bytes:           append([]byte(nil), data...),
		Label:           fmt.Sprintf("__rom_array_%d", s.nextID),
		usedByFns:       bitset.New(0),
		usedByGroupData: bitset.New(0),
	}
	s.nextID++
	s.buckets[sum] = append(s.buckets[sum], e)
	s.count.Inc()
	return e
}

// Request is one batched Lookup call's arguments, for LookupBatch.
type Request struct {
	Fn        int
	GroupData int
	Data      []byte
	Offset    int
}

// LookupBatch runs Lookup over every request, aggregating every out-
// of-range failure with multierr instead of stopping at the first, so
// a driver batching a function's whole array-literal set gets every
// bad offset reported in a single diagnostic pass.
func (s *Service) LookupBatch(reqs []Request) ([]locator.Locator, error) {
	locs := make([]locator.Locator, len(reqs))
	var errs error
	for i, r := range reqs {
		loc, err := s.Lookup(r.Fn, r.GroupData, r.Data, r.Offset)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		locs[i] = loc
	}
	return locs, errs
}
