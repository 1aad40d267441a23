// Package label implements the per-session RIB state used to classify
// BGP UPDATE messages: a prefix table mapping each announced prefix to
// its current path attributes, and an attribute table interning one
// reference-counted entry per distinct canonical attribute encoding.
// Two prefixes announced with identical attributes share one attribute
// entry; the entry is evicted when its last referencing prefix goes.
package label

import (
	"log/slog"
	"net/netip"
)

// Table sizing. Bucket counts are the next power of two over the
// configured sizes; a collision chain longer than MaxHashCollision
// triggers an out-of-band resize to twice the capacity.
const (
	PrefixTableSize    = 40000
	AttributeTableSize = 40000
	MaxHashCollision   = 400
)

func powerOfTwoOver(n int) uint32 {
	c := uint32(1)
	for c < uint32(n) {
		c <<= 1
	}
	return c
}

// hashBytes is the one-shot byte mixer used by both tables.
func hashBytes(key []byte) uint32 {
	var h uint32
	for _, b := range key {
		h += uint32(b)
		h += h << 10
		h ^= h >> 6
	}
	h += h << 3
	h ^= h >> 11
	h += h << 15
	return h
}

// -------------------------------------------------------------------------
// Attribute table
// -------------------------------------------------------------------------

// AttrEntry is one interned set of path attributes. RefCount equals the
// number of prefix-table entries pointing at the entry.
type AttrEntry struct {
	id       uint64
	key      string
	refcount int

	// The entry holds only the canonical encoding; parsed attribute
	// values (AS path, next hop, communities) are not stored in it.
}

// ID returns the entry's table-unique identifier.
func (e *AttrEntry) ID() uint64 { return e.id }

// Key returns the canonical attribute encoding.
func (e *AttrEntry) Key() []byte { return []byte(e.key) }

// RefCount returns the number of prefixes referencing the entry.
func (e *AttrEntry) RefCount() int { return e.refcount }

// AttrTable interns canonical attribute encodings. Not safe for
// concurrent use: each session's tables are owned by the labeler task.
type AttrTable struct {
	buckets [][]*AttrEntry
	mask    uint32
	count   int
	nextID  uint64
	logger  *slog.Logger
}

// NewAttrTable creates an empty attribute table.
func NewAttrTable(logger *slog.Logger) *AttrTable {
	size := powerOfTwoOver(AttributeTableSize)
	return &AttrTable{
		buckets: make([][]*AttrEntry, size),
		mask:    size - 1,
		logger:  logger,
	}
}

// Len returns the number of interned entries.
func (t *AttrTable) Len() int { return t.count }

// Intern returns the entry for the canonical encoding key, creating it
// with refcount zero if absent. Callers pair every prefix-table
// reference with Ref and every removal with Unref.
func (t *AttrTable) Intern(key []byte) *AttrEntry {
	i := hashBytes(key) & t.mask
	for _, e := range t.buckets[i] {
		if e.key == string(key) {
			return e
		}
	}
	t.nextID++
	e := &AttrEntry{id: t.nextID, key: string(key)}
	t.buckets[i] = append(t.buckets[i], e)
	t.count++
	if len(t.buckets[i]) > MaxHashCollision {
		t.resize()
	}
	return e
}

// Ref records one more prefix referencing the entry.
func (t *AttrTable) Ref(e *AttrEntry) { e.refcount++ }

// Unref releases one prefix reference; the entry is evicted from the
// table when the count reaches zero.
func (t *AttrTable) Unref(e *AttrEntry) {
	e.refcount--
	if e.refcount > 0 {
		return
	}
	i := hashBytes([]byte(e.key)) & t.mask
	bucket := t.buckets[i]
	for j, cand := range bucket {
		if cand == e {
			t.buckets[i] = append(bucket[:j], bucket[j+1:]...)
			t.count--
			return
		}
	}
}

// resize doubles the bucket array and rehashes every entry.
func (t *AttrTable) resize() {
	size := (t.mask + 1) * 2
	buckets := make([][]*AttrEntry, size)
	mask := size - 1
	for _, bucket := range t.buckets {
		for _, e := range bucket {
			i := hashBytes([]byte(e.key)) & mask
			buckets[i] = append(buckets[i], e)
		}
	}
	t.buckets = buckets
	t.mask = mask
	t.logger.Info("attribute table resized", slog.Int("buckets", int(size)))
}

// entries returns every interned entry; used by tests.
func (t *AttrTable) entries() []*AttrEntry {
	var out []*AttrEntry
	for _, bucket := range t.buckets {
		out = append(out, bucket...)
	}
	return out
}

// -------------------------------------------------------------------------
// Prefix table
// -------------------------------------------------------------------------

type prefixKey struct {
	afi    uint16
	safi   uint8
	prefix netip.Prefix
}

func (k prefixKey) bytes() []byte {
	addr := k.prefix.Addr().As16()
	b := make([]byte, 0, 20)
	b = append(b, byte(k.afi>>8), byte(k.afi), k.safi, byte(k.prefix.Bits()))
	b = append(b, addr[:]...)
	return b
}

type prefixEntry struct {
	key  prefixKey
	attr *AttrEntry
}

// PrefixTable maps (address family, prefix, prefix length) to the
// attribute entry of its most recent announcement. A prefix appears at
// most once. Not safe for concurrent use.
type PrefixTable struct {
	buckets [][]*prefixEntry
	mask    uint32
	count   int
	logger  *slog.Logger
}

// NewPrefixTable creates an empty prefix table.
func NewPrefixTable(logger *slog.Logger) *PrefixTable {
	size := powerOfTwoOver(PrefixTableSize)
	return &PrefixTable{
		buckets: make([][]*prefixEntry, size),
		mask:    size - 1,
		logger:  logger,
	}
}

// Len returns the number of stored prefixes.
func (t *PrefixTable) Len() int { return t.count }

// Lookup returns the attribute entry for the prefix, or nil.
func (t *PrefixTable) Lookup(afi uint16, safi uint8, prefix netip.Prefix) *AttrEntry {
	k := prefixKey{afi: afi, safi: safi, prefix: prefix}
	i := hashBytes(k.bytes()) & t.mask
	for _, e := range t.buckets[i] {
		if e.key == k {
			return e.attr
		}
	}
	return nil
}

// Install stores or replaces the attribute entry for the prefix.
func (t *PrefixTable) Install(afi uint16, safi uint8, prefix netip.Prefix, attr *AttrEntry) {
	k := prefixKey{afi: afi, safi: safi, prefix: prefix}
	i := hashBytes(k.bytes()) & t.mask
	for _, e := range t.buckets[i] {
		if e.key == k {
			e.attr = attr
			return
		}
	}
	t.buckets[i] = append(t.buckets[i], &prefixEntry{key: k, attr: attr})
	t.count++
	if len(t.buckets[i]) > MaxHashCollision {
		t.resize()
	}
}

// Remove deletes the prefix and returns its attribute entry, or nil if
// the prefix was not present.
func (t *PrefixTable) Remove(afi uint16, safi uint8, prefix netip.Prefix) *AttrEntry {
	k := prefixKey{afi: afi, safi: safi, prefix: prefix}
	i := hashBytes(k.bytes()) & t.mask
	bucket := t.buckets[i]
	for j, e := range bucket {
		if e.key == k {
			t.buckets[i] = append(bucket[:j], bucket[j+1:]...)
			t.count--
			return e.attr
		}
	}
	return nil
}

func (t *PrefixTable) resize() {
	size := (t.mask + 1) * 2
	buckets := make([][]*prefixEntry, size)
	mask := size - 1
	for _, bucket := range t.buckets {
		for _, e := range bucket {
			i := hashBytes(e.key.bytes()) & mask
			buckets[i] = append(buckets[i], e)
		}
	}
	t.buckets = buckets
	t.mask = mask
	t.logger.Info("prefix table resized", slog.Int("buckets", int(size)))
}

// each iterates all entries; used by flush and by tests.
func (t *PrefixTable) each(fn func(afi uint16, safi uint8, prefix netip.Prefix, attr *AttrEntry)) {
	for _, bucket := range t.buckets {
		for _, e := range bucket {
			fn(e.key.afi, e.key.safi, e.key.prefix, e.attr)
		}
	}
}

// -------------------------------------------------------------------------
// Per-session table pair
// -------------------------------------------------------------------------

// Tables bundles the prefix and attribute tables of one session. They
// are created with the session, flushed on each Established transition
// (the remote replays its RIB), and destroyed with the session.
type Tables struct {
	Prefixes *PrefixTable
	Attrs    *AttrTable
}

// NewTables creates the empty table pair for a session.
func NewTables(logger *slog.Logger) *Tables {
	return &Tables{
		Prefixes: NewPrefixTable(logger),
		Attrs:    NewAttrTable(logger),
	}
}

// Flush empties both tables, releasing every attribute reference.
func (t *Tables) Flush() {
	t.Prefixes.each(func(_ uint16, _ uint8, _ netip.Prefix, attr *AttrEntry) {
		t.Attrs.Unref(attr)
	})
	size := t.Prefixes.mask + 1
	t.Prefixes.buckets = make([][]*prefixEntry, size)
	t.Prefixes.count = 0
}
