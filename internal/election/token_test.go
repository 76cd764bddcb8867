package election

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseToken(t *testing.T) {
	for _, tc := range []struct {
		name    string
		want    Token
		wantErr bool
	}{
		{name: "n_0000000003", want: Token{Path: "/election/n_0000000003", Name: "n_0000000003", Sequence: 3}},
		{name: "n_2147483648", want: Token{Path: "/election/n_2147483648", Name: "n_2147483648", Sequence: 2147483648}},
		{name: "n_", wantErr: true},
		{name: "candidate_0000000001", wantErr: true},
		{name: "n_00000000x1", wantErr: true},
		{name: "n_+1", wantErr: true},
		{name: "n_-1", wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseToken("/election", "n_", tc.name)
			if gotErr := err != nil; gotErr != tc.wantErr {
				t.Fatalf("ParseToken(%q)=%v, want err: %v", tc.name, err, tc.wantErr)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("ParseToken(%q) diff (-want +got):\n%s", tc.name, diff)
			}
		})
	}
}

func TestParseTokensSkipsForeignChildren(t *testing.T) {
	got := ParseTokens("/election", "n_", []string{"n_0000000002", "lock", "n_0000000001", "n_oops"})
	var names []string
	for _, tok := range got {
		names = append(names, tok.Name)
	}
	if want := []string{"n_0000000002", "n_0000000001"}; !cmp.Equal(want, names) {
		t.Errorf("ParseTokens names=%v, want %v", names, want)
	}
}

func TestRoleString(t *testing.T) {
	if got := Leader.String(); got != "LEADER" {
		t.Errorf("Leader.String()=%q", got)
	}
	if got := Follower.String(); got != "FOLLOWER" {
		t.Errorf("Follower.String()=%q", got)
	}
}

func TestParseTokenWrappedSequence(t *testing.T) {
	if _, err := ParseToken("/election", "n_", "n_-2147483648"); !errors.Is(err, ErrSequenceWrapped) {
		t.Errorf("ParseToken(n_-2147483648)=%v, want %v", err, ErrSequenceWrapped)
	}
	if _, err := ParseToken("/election", "n_", "n_00000000x1"); errors.Is(err, ErrSequenceWrapped) {
		t.Errorf("ParseToken(n_00000000x1)=%v, want a plain parse error", err)
	}
}
