package aggregator

// BucketKey partitions metrics by UTC calendar day and region.
type BucketKey struct {
	Date   string
	Region string
}

// BucketStore maps aggregation keys to live accumulators. Like the dedup
// cache it is owned by the ingestion goroutine and needs no locking.
type BucketStore struct {
	buckets map[BucketKey]*Accumulator
}

// NewBucketStore returns an empty store.
func NewBucketStore() *BucketStore {
	return &BucketStore{buckets: make(map[BucketKey]*Accumulator)}
}

// GetOrCreate returns the accumulator for the key, creating an empty one on
// first access. An event for an already-flushed day lands here again and
// yields a second, independent snapshot later.
func (s *BucketStore) GetOrCreate(key BucketKey) *Accumulator {
	acc, ok := s.buckets[key]
	if !ok {
		acc = NewAccumulator()
		s.buckets[key] = acc
	}
	return acc
}

// FlushedBucket is one (key, accumulator) pair removed at flush time.
type FlushedBucket struct {
	Key BucketKey
	Acc *Accumulator
}

// FlushEligible removes and returns every bucket whose day has fully
// elapsed (date < today), or every bucket when forced at shutdown. The
// current day is never flushed by the periodic timer, which bounds the live
// store to the active regions times the days still receiving stragglers.
func (s *BucketStore) FlushEligible(today string, force bool) []FlushedBucket {
	var out []FlushedBucket
	for key, acc := range s.buckets {
		if !force && key.Date >= today {
			continue
		}
		out = append(out, FlushedBucket{Key: key, Acc: acc})
		delete(s.buckets, key)
	}
	return out
}

// Restore puts a bucket back after a failed downstream publish so it is
// retried on the next flush cycle instead of silently discarded. Counters
// are merged if new events created a fresh accumulator in the meantime.
func (s *BucketStore) Restore(key BucketKey, acc *Accumulator) {
	existing, ok := s.buckets[key]
	if !ok {
		s.buckets[key] = acc
		return
	}
	existing.merge(acc)
}

// Len returns the number of live buckets.
func (s *BucketStore) Len() int {
	return len(s.buckets)
}

// Keys returns the live aggregation keys, for diagnostics.
func (s *BucketStore) Keys() []BucketKey {
	keys := make([]BucketKey, 0, len(s.buckets))
	for k := range s.buckets {
		keys = append(keys, k)
	}
	return keys
}

func (a *Accumulator) merge(other *Accumulator) {
	if other.Security != nil {
		if a.Security == nil {
			a.Security = other.Security
		} else {
			a.Security.Count += other.Security.Count
			mergeCounts(a.Security.BySeverity, other.Security.BySeverity)
			mergeCounts(a.Security.ByCrimeType, other.Security.ByCrimeType)
		}
	}
	if other.Survey != nil {
		if a.Survey == nil {
			a.Survey = other.Survey
		} else {
			a.Survey.Count += other.Survey.Count
			a.Survey.ReportedCount += other.Survey.ReportedCount
		}
	}
	if other.Migration != nil {
		if a.Migration == nil {
			a.Migration = other.Migration
		} else {
			a.Migration.Count += other.Migration.Count
			mergeCounts(a.Migration.ByStatus, other.Migration.ByStatus)
		}
	}
	if len(other.Unknown) > 0 {
		if a.Unknown == nil {
			a.Unknown = make(map[string]uint64)
		}
		mergeCounts(a.Unknown, other.Unknown)
	}
}

func mergeCounts(dst, src map[string]uint64) {
	for k, v := range src {
		dst[k] += v
	}
}
