package reconcile

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

type bucket struct {
	count uint64
	sum   uint64
	xor   uint64
}

// Digest is an order-independent fingerprint of a row set. Rows are spread
// over buckets by key hash; each bucket keeps the wrapping sum and the XOR of
// its row hashes, so any insertion order produces the same state and a
// difference can be narrowed to the buckets that disagree.
type Digest struct {
	buckets []bucket
	count   int64
}

func NewDigest(buckets int) *Digest {
	if buckets < 1 {
		buckets = 1
	}
	return &Digest{buckets: make([]bucket, buckets)}
}

// Bucket returns the bucket a key hash falls into.
func (d *Digest) Bucket(keyHash uint64) int {
	return int(keyHash % uint64(len(d.buckets)))
}

func (d *Digest) Add(keyHash, rowHash uint64) {
	b := &d.buckets[d.Bucket(keyHash)]
	b.count++
	b.sum += rowHash
	b.xor ^= rowHash
	d.count++
}

func (d *Digest) Count() int64 { return d.count }

// Sum folds all buckets into one printable value.
func (d *Digest) Sum() string {
	h := xxhash.New()
	var buf [24]byte
	for _, b := range d.buckets {
		binary.LittleEndian.PutUint64(buf[0:], b.count)
		binary.LittleEndian.PutUint64(buf[8:], b.sum)
		binary.LittleEndian.PutUint64(buf[16:], b.xor)
		_, _ = h.Write(buf[:])
	}
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], h.Sum64())
	return hex.EncodeToString(out[:])
}

// Diff returns the set of buckets whose contents differ. Both digests must
// have the same bucket count.
func (d *Digest) Diff(o *Digest) map[int]bool {
	out := map[int]bool{}
	for i := range d.buckets {
		if d.buckets[i] != o.buckets[i] {
			out[i] = true
		}
	}
	return out
}

// hashValues hashes canonical values with a separator that cannot occur in
// length-prefixed input.
func hashValues(values []string) uint64 {
	h := xxhash.New()
	var n [4]byte
	for _, v := range values {
		binary.LittleEndian.PutUint32(n[:], uint32(len(v)))
		_, _ = h.Write(n[:])
		_, _ = h.WriteString(v)
	}
	return h.Sum64()
}
