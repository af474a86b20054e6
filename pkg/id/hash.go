package id

import (
	"errors"
	"fmt"
	"math/big"
	"slices"
)

const (
	HashNaive      = "naive"
	HashConsistent = "consistent"
	HashRendezvous = "rendezvous"
)

var (
	ErrNoCandidates = errors.New("no candidate nodes")
	ErrUnknownHash  = errors.New("unknown hash function")
)

// Hasher picks the owner of kid among nids. Implementations must be pure
// functions of their inputs and must not depend on the order of nids.
type Hasher func(kid ID, nids []ID) ID

// Select runs the hasher after checking that there is at least one candidate.
func (h Hasher) Select(kid ID, nids []ID) (ID, error) {
	if len(nids) == 0 {
		return "", ErrNoCandidates
	}
	return h(kid, nids), nil
}

// Naive sorts the candidates and picks kid mod len(nids).
func Naive(kid ID, nids []ID) ID {
	sorted := sortedCopy(nids)
	idx := new(big.Int).Mod(kid.Num(), big.NewInt(int64(len(sorted))))
	return sorted[idx.Int64()]
}

// Consistent places kid and the candidates on a ring ordered by their numeric
// value and returns the first candidate clockwise from kid.
func Consistent(kid ID, nids []ID) ID {
	sorted := sortedCopy(nids)
	k := kid.Num()
	for _, nid := range sorted {
		if nid.Num().Cmp(k) > 0 {
			return nid
		}
	}
	return sorted[0]
}

// Rendezvous returns the candidate with the highest hash of kid+nid.
func Rendezvous(kid ID, nids []ID) ID {
	var (
		best      ID
		bestScore *big.Int
	)
	for _, nid := range sortedCopy(nids) {
		score := KeyID(string(kid) + string(nid)).Num()
		if bestScore == nil || score.Cmp(bestScore) > 0 {
			best, bestScore = nid, score
		}
	}
	return best
}

// HasherByName resolves a hash function name. An empty name is naive.
func HasherByName(name string) (Hasher, error) {
	switch name {
	case "", HashNaive:
		return Naive, nil
	case HashConsistent:
		return Consistent, nil
	case HashRendezvous:
		return Rendezvous, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHash, name)
	}
}

func sortedCopy(nids []ID) []ID {
	sorted := slices.Clone(nids)
	slices.SortFunc(sorted, func(a, b ID) int {
		return a.Num().Cmp(b.Num())
	})
	return sorted
}
