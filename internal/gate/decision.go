package gate

import (
	"context"
	"errors"
	"fmt"

	"raidline/internal/domain"
)

type Op string

const (
	OpCreate Op = "create"
	OpJoin   Op = "join"
	OpLeave  Op = "leave"
	OpRemove Op = "remove"
)

type Verdict int

const (
	Pass Verdict = iota
	Reject
	Ask
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Reject:
		return "reject"
	case Ask:
		return "ask"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

type Reason string

const (
	ReasonNotRegistered Reason = "not-registered"
	ReasonNotFound      Reason = "raid-not-found"
	ReasonFull          Reason = "raid-full"
	ReasonAlreadyMember Reason = "already-member"
	ReasonSameDeadline  Reason = "same-deadline"
	ReasonNotMember     Reason = "not-member"
	ReasonAmbiguous     Reason = "ambiguous"
	ReasonDuplicateRaid Reason = "duplicate-raid"
	ReasonDeclined      Reason = "declined"
	ReasonTimedOut      Reason = "timed-out"
	ReasonNotOpen       Reason = "not-open"
	ReasonInvalid       Reason = "invalid"
)

// Rejection is an expected, user-caused refusal. Message is meant for the user.
type Rejection struct {
	Op      Op
	Reason  Reason
	Message string
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return fmt.Sprintf("%s rejected: %s", r.Op, r.Reason)
	}
	return fmt.Sprintf("%s rejected (%s): %s", r.Op, r.Reason, r.Message)
}

func NewRejection(op Op, reason Reason, msg string) *Rejection {
	return &Rejection{Op: op, Reason: reason, Message: msg}
}

// ReasonOf extracts the rejection reason from err, if any.
func ReasonOf(err error) (Reason, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

type Answer int

const (
	Yes Answer = iota
	No
	Timeout
)

func (a Answer) String() string {
	switch a {
	case Yes:
		return "yes"
	case No:
		return "no"
	case Timeout:
		return "timeout"
	}
	return fmt.Sprintf("answer(%d)", int(a))
}

// Question is posed to one participant. With Options set the participant picks one of them.
type Question struct {
	ID        string
	To        domain.Participant
	Community string
	Op        Op
	Text      string
	Options   []string
}

// Reply carries the answer; Choice indexes Options for choice questions.
type Reply struct {
	Answer Answer
	Choice int
}

// Asker delivers a question and waits for the reply until ctx is done.
type Asker interface {
	Ask(ctx context.Context, q Question) (Reply, error)
}

// Decision is the result of one check. An Ask decision carries the question and the
// continuation applied to an affirmative reply.
type Decision struct {
	Verdict  Verdict
	Reason   Reason
	Message  string
	Question *Question
	Resolve  func(Reply) Decision
}

func Continue() Decision {
	return Decision{Verdict: Pass}
}

func Deny(reason Reason, msg string) Decision {
	return Decision{Verdict: Reject, Reason: reason, Message: msg}
}

func Query(q Question, resolve func(Reply) Decision) Decision {
	return Decision{Verdict: Ask, Question: &q, Resolve: resolve}
}
