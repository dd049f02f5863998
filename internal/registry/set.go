package registry

import (
	"math/big"

	"github.com/google/uuid"
)

// Set is a bounded-depth, descending-ordered collection of (user, value)
// pairs. The best `capacity` entries live in a doubly-linked ranked prefix,
// always sorted by value (strictly greater ranks earlier, ties keep
// insertion order). Everything beyond the prefix sits in an unordered
// overflow bucket with no defined traversal order.
//
// All ranked operations are O(capacity) worst case, never O(total users).
// Not thread-safe — only accessed from the single-threaded core.
type Set struct {
	head, tail *node
	ranked     map[uuid.UUID]*node
	overflow   map[uuid.UUID]*big.Int
}

type node struct {
	user       uuid.UUID
	value      *big.Int
	prev, next *node
}

func NewSet() *Set {
	return &Set{
		ranked:   make(map[uuid.UUID]*node),
		overflow: make(map[uuid.UUID]*big.Int),
	}
}

// Upsert inserts or repositions user with the given value. A zero (or
// negative) value removes the entry: a user with no balance is absent.
// If the ranked prefix has room, or value strictly exceeds the current
// tail, the entry is placed in sorted position and the prefix tail is
// demoted to overflow when the prefix exceeds capacity. Otherwise the
// entry goes to overflow.
func (s *Set) Upsert(user uuid.UUID, value *big.Int, capacity int) {
	if value == nil || value.Sign() <= 0 {
		s.Remove(user)
		return
	}
	v := new(big.Int).Set(value)

	// An update is a remove followed by a fresh insert: re-ranking and
	// promotion/demotion fall out of the same code path.
	s.Remove(user)

	if capacity <= 0 {
		s.overflow[user] = v
		return
	}

	if len(s.ranked) < capacity || v.Cmp(s.tail.value) > 0 {
		s.insertRanked(user, v)
	} else {
		s.overflow[user] = v
	}

	// Capacity may have been lowered since the last call; shed every
	// excess tail now so the prefix never stays oversize.
	for len(s.ranked) > capacity {
		s.demoteTail()
	}
}

// insertRanked scans right-to-left from the tail and links the node after
// the nearest entry with value >= v, so equal values keep insertion order.
func (s *Set) insertRanked(user uuid.UUID, v *big.Int) {
	n := &node{user: user, value: v}
	s.ranked[user] = n

	cur := s.tail
	for cur != nil && cur.value.Cmp(v) < 0 {
		cur = cur.prev
	}

	if cur == nil {
		// New head.
		n.next = s.head
		if s.head != nil {
			s.head.prev = n
		}
		s.head = n
		if s.tail == nil {
			s.tail = n
		}
		return
	}

	n.prev = cur
	n.next = cur.next
	if cur.next != nil {
		cur.next.prev = n
	} else {
		s.tail = n
	}
	cur.next = n
}

func (s *Set) demoteTail() {
	t := s.tail
	s.unlink(t)
	delete(s.ranked, t.user)
	s.overflow[t.user] = t.value
}

// Remove deletes the entry from wherever it resides. Removing the head
// promotes the next-ranked entry; overflow entries are never promoted
// into the prefix until their next Upsert.
func (s *Set) Remove(user uuid.UUID) {
	if n, ok := s.ranked[user]; ok {
		s.unlink(n)
		delete(s.ranked, user)
		return
	}
	delete(s.overflow, user)
}

func (s *Set) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		s.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

// Head returns the top-ranked user, or false if the prefix is empty.
func (s *Set) Head() (uuid.UUID, bool) {
	if s.head == nil {
		return uuid.Nil, false
	}
	return s.head.user, true
}

// Next returns the entry following user in rank order. Overflow entries
// have no rank and terminate traversal.
func (s *Set) Next(user uuid.UUID) (uuid.UUID, bool) {
	n, ok := s.ranked[user]
	if !ok || n.next == nil {
		return uuid.Nil, false
	}
	return n.next.user, true
}

// Value returns the stored value for user (ranked or overflow), or nil.
func (s *Set) Value(user uuid.UUID) *big.Int {
	if n, ok := s.ranked[user]; ok {
		return new(big.Int).Set(n.value)
	}
	if v, ok := s.overflow[user]; ok {
		return new(big.Int).Set(v)
	}
	return nil
}

// Contains reports whether user is present in the prefix or overflow.
func (s *Set) Contains(user uuid.UUID) bool {
	if _, ok := s.ranked[user]; ok {
		return true
	}
	_, ok := s.overflow[user]
	return ok
}

// RankedLen returns the number of entries in the ranked prefix.
func (s *Set) RankedLen() int {
	return len(s.ranked)
}

// Len returns the total number of entries (prefix + overflow).
func (s *Set) Len() int {
	return len(s.ranked) + len(s.overflow)
}

// Clone returns a deep copy of the set. Used by the core to take a
// per-market snapshot before a flow so a failed flow can roll back.
func (s *Set) Clone() *Set {
	c := NewSet()
	for n := s.head; n != nil; n = n.next {
		c.appendTail(n.user, new(big.Int).Set(n.value))
	}
	for u, v := range s.overflow {
		c.overflow[u] = new(big.Int).Set(v)
	}
	return c
}

// appendTail links a node at the tail without scanning. Only valid when
// callers append in already-sorted order (Clone).
func (s *Set) appendTail(user uuid.UUID, v *big.Int) {
	n := &node{user: user, value: v}
	s.ranked[user] = n
	if s.tail == nil {
		s.head, s.tail = n, n
		return
	}
	n.prev = s.tail
	s.tail.next = n
	s.tail = n
}
