package election

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInconsistentState is returned when our own token is missing from a
// listing taken while the session is alive. The coordination service lost
// the node or broke its ordering guarantees; the candidate has to re-join.
var ErrInconsistentState = errors.New("own token missing from election set")

// Decision is the outcome of evaluating one token against an election set.
type Decision struct {
	Role Role
	// Predecessor is the token to watch. Nil for the leader.
	Predecessor *Token
}

// Evaluate decides self's role within set. The leader is the token with the
// smallest sequence number; every other token watches the token immediately
// before it, so a single departure wakes exactly one follower.
//
// set is not modified. self is located by Path.
func Evaluate(self Token, set []Token) (Decision, error) {
	sorted := make([]Token, len(set))
	copy(sorted, set)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Sequence != sorted[j].Sequence {
			return sorted[i].Sequence < sorted[j].Sequence
		}
		return sorted[i].Path < sorted[j].Path
	})

	pos := -1
	for i, t := range sorted {
		if t.Path == self.Path {
			pos = i
			break
		}
	}
	switch pos {
	case -1:
		return Decision{}, fmt.Errorf("%w: %s among %d tokens", ErrInconsistentState, self.Path, len(sorted))
	case 0:
		return Decision{Role: Leader}, nil
	}
	pred := sorted[pos-1]
	return Decision{Role: Follower, Predecessor: &pred}, nil
}
