package domain

import "strings"

// Participant is a platform identity plus the nickname it registered, if any.
type Participant struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname,omitempty"`
}

// Registered reports whether the identity resolved to a nickname.
func (p Participant) Registered() bool {
	return p.Nickname != ""
}

// Same compares by nickname when both sides have one and by identity otherwise.
func (p Participant) Same(o Participant) bool {
	if p.Nickname != "" && o.Nickname != "" {
		return strings.EqualFold(p.Nickname, o.Nickname)
	}
	return p.ID != "" && p.ID == o.ID
}

// Display is the name used in published artifacts.
func (p Participant) Display() string {
	if p.Nickname != "" {
		return p.Nickname
	}
	return p.ID
}
