// Package engine holds the search-side collaborators consumed by the cluster
// coordination layer: the transposition table, the thread-pool counter surface
// and the small move/score vocabulary they share.
package engine

import (
	"github.com/cespare/xxhash/v2"
)

// Key is a 64-bit position key.
type Key uint64

// KeyFrom derives a position key from a textual position description
// (e.g. a FEN string). Key 0 is reserved as the empty-slot sentinel, so a
// hash of zero is nudged to 1.
func KeyFrom(position string) Key {
	k := xxhash.Sum64String(position)
	if k == 0 {
		k = 1
	}
	return Key(k)
}

// Value is a search score in centipawns, mate scores included.
type Value int16

const (
	ValueNone Value = -32001
	ValueZero Value = 0
)

// Bound classifies a stored score relative to the true value.
type Bound uint8

const (
	BoundNone Bound = iota
	BoundUpper
	BoundLower
	BoundExact
)

// Move packs from-square, to-square and promotion piece into 16 meaningful
// bits. MoveNone is the zero value.
type Move uint32

const MoveNone Move = 0

var promoChars = [5]byte{0: ' ', 1: 'n', 2: 'b', 3: 'r', 4: 'q'}

// MoveFromUCI parses long algebraic notation ("e2e4", "e7e8q").
// Returns MoveNone on malformed input.
func MoveFromUCI(s string) Move {
	if len(s) < 4 || len(s) > 5 {
		return MoveNone
	}
	from := square(s[0], s[1])
	to := square(s[2], s[3])
	if from < 0 || to < 0 {
		return MoveNone
	}
	promo := 0
	if len(s) == 5 {
		switch s[4] {
		case 'n':
			promo = 1
		case 'b':
			promo = 2
		case 'r':
			promo = 3
		case 'q':
			promo = 4
		default:
			return MoveNone
		}
	}
	return Move(from) | Move(to)<<6 | Move(promo)<<12
}

func square(file, rank byte) int {
	if file < 'a' || file > 'h' || rank < '1' || rank > '8' {
		return -1
	}
	return int(file-'a') + 8*int(rank-'1')
}

func (m Move) String() string {
	if m == MoveNone {
		return "0000"
	}
	from := int(m & 0x3f)
	to := int(m >> 6 & 0x3f)
	promo := int(m >> 12 & 0x7)
	b := []byte{
		byte('a' + from%8), byte('1' + from/8),
		byte('a' + to%8), byte('1' + to/8),
	}
	if promo > 0 && promo < 5 {
		b = append(b, promoChars[promo])
	}
	return string(b)
}
