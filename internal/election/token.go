package election

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/countplus2/leader-elector/internal/coordination"
)

// DefaultPrefix is prepended to the sequence number of every token node.
const DefaultPrefix = "n_"

// ErrSequenceWrapped reports a token whose sequence number went negative.
// ZooKeeper keeps a signed 32-bit counter per parent node, so a namespace
// stops handing out usable tokens after 2^31 registrations and has to be
// deleted and recreated.
var ErrSequenceWrapped = errors.New("sequence counter wrapped around")

// Role is the local process's position in the election.
type Role int32

const (
	// Follower is any candidate that is not first in line.
	Follower Role = iota
	// Leader is the candidate with the smallest sequence number.
	Leader
)

func (r Role) String() string {
	if r == Leader {
		return "LEADER"
	}
	return "FOLLOWER"
}

// Token is one candidate's registration in an election namespace.
type Token struct {
	// Path is the full node path, and the token's identity.
	Path string
	// Name is the last element of Path.
	Name string
	// Sequence is the number assigned by the coordination service.
	Sequence int64
	// Owner identifies the registering process. Only known for our own token.
	Owner string
}

func (t Token) String() string {
	return t.Name
}

// ParseToken builds a Token from a child name of namespace. The name must be
// prefix followed by a decimal sequence number.
func ParseToken(namespace, prefix, name string) (Token, error) {
	digits, ok := strings.CutPrefix(name, prefix)
	if !ok || digits == "" {
		return Token{}, fmt.Errorf("node %q does not start with %q", name, prefix)
	}
	if strings.HasPrefix(digits, "-") {
		return Token{}, fmt.Errorf("node %q: %w", name, ErrSequenceWrapped)
	}
	if strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return Token{}, fmt.Errorf("node %q has no valid sequence suffix", name)
	}
	seq, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("node %q has no valid sequence suffix", name)
	}
	return Token{
		Path:     coordination.Join(namespace, name),
		Name:     name,
		Sequence: seq,
	}, nil
}

// ParseTokens converts a child listing into tokens, skipping children that are
// not election tokens.
func ParseTokens(namespace, prefix string, children []string) []Token {
	tokens := make([]Token, 0, len(children))
	for _, name := range children {
		t, err := ParseToken(namespace, prefix, name)
		if errors.Is(err, ErrSequenceWrapped) {
			klog.Warningf("%s: ignoring child, recreate the namespace: %v", namespace, err)
			continue
		}
		if err != nil {
			klog.V(2).Infof("%s: ignoring child: %v", namespace, err)
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}
