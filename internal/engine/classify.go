package engine

import "github.com/marcus/snapsync/internal/snapshot"

// Action is what the orchestrator does with an inbound remote document.
type Action int

const (
	// Discard drops the update.
	Discard Action = iota
	// Apply adopts the update immediately.
	Apply
	// Buffer parks the update in the pending slot until the in-flight local
	// write settles.
	Buffer
)

func (a Action) String() string {
	switch a {
	case Apply:
		return "apply"
	case Buffer:
		return "buffer"
	default:
		return "discard"
	}
}

// Discard reasons.
const (
	ReasonSelfEcho       = "self_echo"
	ReasonNotNewerLocal  = "not_newer_than_local"
	ReasonNotNewerRemote = "not_newer_than_remote"
	ReasonMalformed      = "malformed"
)

// FilterState is the orchestrator state the intake filter depends on.
type FilterState struct {
	ClientID          string
	LocalVersion      int64 // version of the confirmed document in the local cache
	LastRemoteVersion int64
	Dirty             bool
}

// Decision is the outcome of Classify.
type Decision struct {
	Action Action
	Reason string // set for Discard
}

// Classify decides what to do with an inbound remote update. Rules apply in
// order: self-echo, not newer than the local confirmed version, not newer
// than the last accepted remote version. Surviving updates are applied when
// clean and buffered when dirty.
func Classify(in snapshot.Meta, st FilterState) Decision {
	switch {
	case in.ClientID != "" && in.ClientID == st.ClientID:
		return Decision{Action: Discard, Reason: ReasonSelfEcho}
	case in.Version <= st.LocalVersion:
		return Decision{Action: Discard, Reason: ReasonNotNewerLocal}
	case in.Version <= st.LastRemoteVersion:
		return Decision{Action: Discard, Reason: ReasonNotNewerRemote}
	case st.Dirty:
		return Decision{Action: Buffer}
	default:
		return Decision{Action: Apply}
	}
}
