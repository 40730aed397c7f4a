package engine

import (
	"testing"

	"github.com/marcus/snapsync/internal/snapshot"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		in     snapshot.Meta
		st     FilterState
		action Action
		reason string
	}{
		{
			name:   "self echo",
			in:     snapshot.Meta{Version: 9, ClientID: "a"},
			st:     FilterState{ClientID: "a", LocalVersion: 1, LastRemoteVersion: 1},
			action: Discard,
			reason: ReasonSelfEcho,
		},
		{
			name:   "self echo wins over newer version when dirty",
			in:     snapshot.Meta{Version: 9, ClientID: "a"},
			st:     FilterState{ClientID: "a", Dirty: true},
			action: Discard,
			reason: ReasonSelfEcho,
		},
		{
			name:   "not newer than local",
			in:     snapshot.Meta{Version: 4, ClientID: "b"},
			st:     FilterState{ClientID: "a", LocalVersion: 4, LastRemoteVersion: 2},
			action: Discard,
			reason: ReasonNotNewerLocal,
		},
		{
			name:   "not newer than last remote",
			in:     snapshot.Meta{Version: 5, ClientID: "b"},
			st:     FilterState{ClientID: "a", LocalVersion: 3, LastRemoteVersion: 5},
			action: Discard,
			reason: ReasonNotNewerRemote,
		},
		{
			name:   "newer and clean applies",
			in:     snapshot.Meta{Version: 6, ClientID: "b"},
			st:     FilterState{ClientID: "a", LocalVersion: 5, LastRemoteVersion: 5},
			action: Apply,
		},
		{
			name:   "newer and dirty buffers",
			in:     snapshot.Meta{Version: 6, ClientID: "b"},
			st:     FilterState{ClientID: "a", LocalVersion: 5, LastRemoteVersion: 5, Dirty: true},
			action: Buffer,
		},
		{
			name:   "empty client id is never an echo",
			in:     snapshot.Meta{Version: 1},
			st:     FilterState{},
			action: Apply,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.in, tt.st)
			if got.Action != tt.action {
				t.Fatalf("action: got %v, want %v", got.Action, tt.action)
			}
			if got.Reason != tt.reason {
				t.Fatalf("reason: got %q, want %q", got.Reason, tt.reason)
			}
		})
	}
}

func TestClassifyIsIdempotentForSelfEcho(t *testing.T) {
	st := FilterState{ClientID: "a", LocalVersion: 2, LastRemoteVersion: 2}
	in := snapshot.Meta{Version: 3, ClientID: "a"}
	for i := 0; i < 3; i++ {
		if d := Classify(in, st); d.Action != Discard {
			t.Fatalf("delivery %d: got %v, want discard", i, d.Action)
		}
	}
}
