package models

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint summarises table content so two polls can be compared without
// shipping rows around. It is process state only and is never persisted.
type Fingerprint struct {
	RowCount      int64
	LastUpdatedAt time.Time
	ContentDigest string
}

func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.RowCount == other.RowCount &&
		f.LastUpdatedAt.Equal(other.LastUpdatedAt) &&
		f.ContentDigest == other.ContentDigest
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("rows=%d last=%s digest=%s", f.RowCount, f.LastUpdatedAt.Format(time.RFC3339Nano), f.ContentDigest)
}

const (
	fieldSep  = '\x1f'
	recordSep = '\x1e'
)

// FingerprintBuilder hashes rows incrementally. Rows must be added in
// ascending id order; ComputeFingerprint handles sorting for callers that
// cannot guarantee it.
type FingerprintBuilder struct {
	digest *xxhash.Digest
	count  int64
	last   time.Time
	buf    []byte
}

func NewFingerprintBuilder() *FingerprintBuilder {
	return &FingerprintBuilder{digest: xxhash.New()}
}

func (b *FingerprintBuilder) Add(o Order) {
	b.buf = b.buf[:0]
	b.buf = strconv.AppendInt(b.buf, o.ID, 10)
	b.buf = append(b.buf, fieldSep)
	b.buf = append(b.buf, o.CustomerName...)
	b.buf = append(b.buf, fieldSep)
	b.buf = append(b.buf, o.ProductName...)
	b.buf = append(b.buf, fieldSep)
	b.buf = append(b.buf, o.Status...)
	b.buf = append(b.buf, fieldSep)
	b.buf = o.UpdatedAt.UTC().AppendFormat(b.buf, time.RFC3339Nano)
	b.buf = append(b.buf, recordSep)
	b.digest.Write(b.buf)

	b.count++
	if o.UpdatedAt.After(b.last) {
		b.last = o.UpdatedAt
	}
}

func (b *FingerprintBuilder) Fingerprint() Fingerprint {
	return Fingerprint{
		RowCount:      b.count,
		LastUpdatedAt: b.last,
		ContentDigest: fmt.Sprintf("%016x", b.digest.Sum64()),
	}
}

// ComputeFingerprint fingerprints orders regardless of the order they were read in.
func ComputeFingerprint(orders []Order) Fingerprint {
	sorted := make([]Order, len(orders))
	copy(sorted, orders)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	b := NewFingerprintBuilder()
	for _, o := range sorted {
		b.Add(o)
	}
	return b.Fingerprint()
}
