package pades

import (
	"fmt"

	"github.com/digitorus/pades/sign"
	"go.uber.org/zap"
)

// State is a stage of a signing operation.
type State int

const (
	StateUnsigned State = iota
	StatePlaceholderReserved
	StateDigested
	StateContainerBuilt
	StateFinalized
	StateRevocationMerged
	StateTimestamped
)

func (s State) String() string {
	switch s {
	case StateUnsigned:
		return "UNSIGNED"
	case StatePlaceholderReserved:
		return "PLACEHOLDER_RESERVED"
	case StateDigested:
		return "DIGESTED"
	case StateContainerBuilt:
		return "CONTAINER_BUILT"
	case StateFinalized:
		return "FINALIZED"
	case StateRevocationMerged:
		return "REVOCATION_MERGED"
	case StateTimestamped:
		return "TIMESTAMPED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func stateOf(step sign.Step) State {
	switch step {
	case sign.StepPlaceholderReserved:
		return StatePlaceholderReserved
	case sign.StepDigested:
		return StateDigested
	case sign.StepContainerBuilt:
		return StateContainerBuilt
	case sign.StepFinalized:
		return StateFinalized
	}
	return StateUnsigned
}

// session follows a single operation through its states.
type session struct {
	format Format
	state  State
	states []State
	log    *zap.Logger
}

func newSession(format Format, initial State, log *zap.Logger) *session {
	s := &session{format: format, state: initial, states: []State{initial}, log: log}
	log.Debug("state", zap.Stringer("state", initial), zap.Stringer("format", format))
	return s
}

func (s *session) transition(st State) {
	if st <= s.state {
		// A placeholder that was too small is reserved again.
		s.log.Debug("restarting signature", zap.Stringer("from", s.state), zap.Stringer("to", st))
		for len(s.states) > 0 && s.states[len(s.states)-1] >= st {
			s.states = s.states[:len(s.states)-1]
		}
	}
	s.state = st
	s.states = append(s.states, st)
	s.log.Debug("state", zap.Stringer("state", st), zap.Stringer("format", s.format))
}

func (s *session) onStep(step sign.Step) {
	s.transition(stateOf(step))
}
