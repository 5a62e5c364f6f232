package turns

import (
	"fmt"
	"time"
)

// State identifies where a call sits in the greeting/conversation cycle.
type State string

const (
	WaitingForGreeting State = "waiting_for_greeting"
	GreetingActive     State = "greeting_active"
	GreetingComplete   State = "greeting_complete"
	ConversationActive State = "conversation_active"
	UserSpeaking       State = "user_speaking"
	AIResponding       State = "ai_responding"
)

// legalTransitions is the fixed adjacency table. There is no terminal
// state; a call is destroyed rather than parked.
var legalTransitions = map[State][]State{
	WaitingForGreeting: {GreetingActive},
	GreetingActive:     {GreetingComplete},
	GreetingComplete:   {ConversationActive, UserSpeaking},
	ConversationActive: {UserSpeaking, AIResponding},
	UserSpeaking:       {ConversationActive, AIResponding},
	AIResponding:       {ConversationActive, UserSpeaking},
}

const historyLimit = 16

// Change records one applied transition for diagnostics.
type Change struct {
	From State
	To   State
	At   time.Time
}

// Tracker holds the authoritative turn state for one call. It is not
// safe for concurrent use; the owning session serializes access.
type Tracker struct {
	state              State
	history            []Change
	greetingCompleteAt time.Time
}

func NewTracker() *Tracker {
	return &Tracker{state: WaitingForGreeting}
}

func (t *Tracker) State() State { return t.state }

// History returns the bounded transition log, oldest first.
func (t *Tracker) History() []Change {
	out := make([]Change, len(t.history))
	copy(out, t.history)
	return out
}

// Transition applies the move if the adjacency table allows it. Illegal
// moves leave state untouched and return an error for the caller to log.
func (t *Tracker) Transition(to State) error {
	if to == t.state {
		return fmt.Errorf("turn state already %s", to)
	}
	for _, allowed := range legalTransitions[t.state] {
		if allowed == to {
			t.apply(to)
			return nil
		}
	}
	return fmt.Errorf("illegal turn transition %s -> %s", t.state, to)
}

func (t *Tracker) apply(to State) {
	now := time.Now().UTC()
	t.history = append(t.history, Change{From: t.state, To: to, At: now})
	if len(t.history) > historyLimit {
		t.history = t.history[len(t.history)-historyLimit:]
	}
	t.state = to
	if to == GreetingComplete {
		t.greetingCompleteAt = now
	}
}

// CanAIRespond reports whether a new AI turn may start right now. It is
// false while the AI or the greeting already holds the floor and during
// the post-greeting grace window, which suppresses responses to audio
// lingering in the pipe after the greeting or a call transfer.
func (t *Tracker) CanAIRespond(now time.Time, graceWindow time.Duration) bool {
	switch t.state {
	case WaitingForGreeting, GreetingActive, UserSpeaking, AIResponding:
		return false
	}
	if t.InGracePeriod(now, graceWindow) {
		return false
	}
	return true
}

// CanUserSpeak reports whether a user turn may be opened from the
// current state.
func (t *Tracker) CanUserSpeak() bool {
	switch t.state {
	case GreetingComplete, ConversationActive, AIResponding:
		return true
	default:
		return false
	}
}

// InGracePeriod is true for the configured window after the greeting
// completed.
func (t *Tracker) InGracePeriod(now time.Time, window time.Duration) bool {
	if t.greetingCompleteAt.IsZero() || window <= 0 {
		return false
	}
	return now.Sub(t.greetingCompleteAt) < window
}
