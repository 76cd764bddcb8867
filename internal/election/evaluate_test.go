package election

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const ns = "/election"

func tokens(t *testing.T, names ...string) []Token {
	t.Helper()
	out := make([]Token, 0, len(names))
	for _, n := range names {
		tok, err := ParseToken(ns, DefaultPrefix, n)
		if err != nil {
			t.Fatalf("ParseToken(%q): %v", n, err)
		}
		out = append(out, tok)
	}
	return out
}

// describe renders a decision as "LEADER" or "FOLLOWER->pred".
func describe(d Decision) string {
	if d.Predecessor == nil {
		return d.Role.String()
	}
	return fmt.Sprintf("%v->%s", d.Role, d.Predecessor.Name)
}

func evaluateAll(t *testing.T, set []Token) map[string]string {
	t.Helper()
	got := make(map[string]string)
	for _, tok := range set {
		d, err := Evaluate(tok, set)
		if err != nil {
			t.Fatalf("Evaluate(%s): %v", tok, err)
		}
		got[tok.Name] = describe(d)
	}
	return got
}

func TestEvaluateScenarios(t *testing.T) {
	for _, tc := range []struct {
		desc string
		set  []string
		want map[string]string
	}{
		{
			desc: "three candidates",
			set:  []string{"n_0000000001", "n_0000000003", "n_0000000007"},
			want: map[string]string{
				"n_0000000001": "LEADER",
				"n_0000000003": "FOLLOWER->n_0000000001",
				"n_0000000007": "FOLLOWER->n_0000000003",
			},
		},
		{
			desc: "leader gone",
			set:  []string{"n_0000000003", "n_0000000007"},
			want: map[string]string{
				"n_0000000003": "LEADER",
				"n_0000000007": "FOLLOWER->n_0000000003",
			},
		},
		{
			desc: "sole member",
			set:  []string{"n_0000000012"},
			want: map[string]string{"n_0000000012": "LEADER"},
		},
		{
			desc: "unsorted listing",
			set:  []string{"n_0000000042", "n_0000000005", "n_0000000017"},
			want: map[string]string{
				"n_0000000005": "LEADER",
				"n_0000000017": "FOLLOWER->n_0000000005",
				"n_0000000042": "FOLLOWER->n_0000000017",
			},
		},
		{
			desc: "numeric not lexical order",
			set:  []string{"n_10", "n_9"},
			want: map[string]string{
				"n_9":  "LEADER",
				"n_10": "FOLLOWER->n_9",
			},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			got := evaluateAll(t, tokens(t, tc.set...))
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("roles diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEvaluateMissingToken(t *testing.T) {
	set := tokens(t, "n_0000000001", "n_0000000003")
	self := tokens(t, "n_0000000002")[0]
	if _, err := Evaluate(self, set); !errors.Is(err, ErrInconsistentState) {
		t.Errorf("Evaluate(absent)=%v, want %v", err, ErrInconsistentState)
	}
	if _, err := Evaluate(self, nil); !errors.Is(err, ErrInconsistentState) {
		t.Errorf("Evaluate(empty set)=%v, want %v", err, ErrInconsistentState)
	}
}

func TestEvaluateDoesNotReorderInput(t *testing.T) {
	set := tokens(t, "n_0000000009", "n_0000000002")
	want := append([]Token(nil), set...)
	if _, err := Evaluate(set[0], set); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if diff := cmp.Diff(want, set); diff != "" {
		t.Errorf("input modified (-want +got):\n%s", diff)
	}
}

func randomSet(rng *rand.Rand) []Token {
	n := 1 + rng.Intn(20)
	seen := make(map[int64]bool)
	var set []Token
	for len(set) < n {
		seq := rng.Int63n(1000)
		if seen[seq] {
			continue
		}
		seen[seq] = true
		name := fmt.Sprintf("%s%010d", DefaultPrefix, seq)
		set = append(set, Token{Path: ns + "/" + name, Name: name, Sequence: seq})
	}
	return set
}

func TestEvaluateProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		set := randomSet(rng)
		min := set[0]
		for _, tok := range set {
			if tok.Sequence < min.Sequence {
				min = tok
			}
		}

		for _, tok := range set {
			d, err := Evaluate(tok, set)
			if err != nil {
				t.Fatalf("Evaluate(%s): %v", tok, err)
			}
			if tok.Path == min.Path {
				if d.Role != Leader || d.Predecessor != nil {
					t.Errorf("minimum %s: got %s, want LEADER", tok, describe(d))
				}
				continue
			}
			// The predecessor is the largest sequence below tok's.
			var want *Token
			for j := range set {
				if c := set[j]; c.Sequence < tok.Sequence && (want == nil || c.Sequence > want.Sequence) {
					want = &c
				}
			}
			if d.Role != Follower || d.Predecessor == nil || d.Predecessor.Path != want.Path {
				t.Errorf("%s: got %s, want FOLLOWER->%s", tok, describe(d), want)
			}

			again, err := Evaluate(tok, set)
			if err != nil || !cmp.Equal(d, again) {
				t.Errorf("%s: re-evaluation gave %s (%v), want %s", tok, describe(again), err, describe(d))
			}
		}
	}
}

func TestEvaluateLeaderRemoval(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 100; i++ {
		set := randomSet(rng)
		if len(set) < 2 {
			continue
		}
		var rest []Token
		var leader Token
		for _, tok := range set {
			d, err := Evaluate(tok, set)
			if err != nil {
				t.Fatalf("Evaluate(%s): %v", tok, err)
			}
			if d.Role == Leader {
				leader = tok
				continue
			}
			rest = append(rest, tok)
		}

		leaders := 0
		for _, tok := range rest {
			d, err := Evaluate(tok, rest)
			if err != nil {
				t.Fatalf("Evaluate(%s) after removing %s: %v", tok, leader, err)
			}
			if d.Role == Leader {
				leaders++
				continue
			}
			if d.Predecessor.Path == leader.Path {
				t.Errorf("%s still watches removed leader %s", tok, leader)
			}
		}
		if leaders != 1 {
			t.Errorf("after removing %s: %d leaders, want 1", leader, leaders)
		}
	}
}
