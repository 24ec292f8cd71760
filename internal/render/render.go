package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"raidline/internal/domain"
)

const timeLayout = "Mon Jan 2 15:04 MST"

// Text renders every artifact as plain chat text.
type Text struct {
	// Location converts timestamps for display. UTC when nil.
	Location *time.Location
}

func (t Text) at(ts time.Time) string {
	loc := t.Location
	if loc == nil {
		loc = time.UTC
	}
	return ts.In(loc).Format(timeLayout)
}

func (t Text) Reservation(r *domain.Raid) string {
	return fmt.Sprintf("%s reserved a raid at %s for %s. Joining opens at %s.",
		r.Owner.Display(), r.Venue, t.at(r.Deadline), t.at(r.WindowOpen))
}

func (t Text) JoinNotice(r *domain.Raid) string {
	return fmt.Sprintf("Raid at %s led by %s is open until %s. React to join, %d slot(s) free.",
		r.Venue, r.Owner.Display(), t.at(r.Deadline), r.Free())
}

// Roster renders the member table and the time left.
func (t Text) Roster(r *domain.Raid, now time.Time) string {
	tw := table.NewWriter()
	tw.SetTitle(fmt.Sprintf("%s, %s", r.Venue, t.at(r.Deadline)))
	tw.AppendHeader(table.Row{"#", "Member"})
	for i, m := range r.Members() {
		tw.AppendRow(table.Row{i + 1, m.Display()})
	}
	var b strings.Builder
	b.WriteString(tw.Render())
	fmt.Fprintf(&b, "\n%d reserved, %d free, %s", r.Reserved, r.Free(), Remaining(r.Deadline.Sub(now)))
	return b.String()
}

func (t Text) Departure(r *domain.Raid) string {
	names := make([]string, 0, r.MemberCount())
	for _, m := range r.Members() {
		names = append(names, m.Display())
	}
	if len(names) == 0 {
		return fmt.Sprintf("Raid at %s has departed without members.", r.Venue)
	}
	return fmt.Sprintf("Raid at %s has departed with %d member(s): %s.", r.Venue, len(names), strings.Join(names, ", "))
}

func (t Text) Reminder(r *domain.Raid, now time.Time) string {
	return fmt.Sprintf("Reminder: the raid at %s led by %s departs at %s (%s).",
		r.Venue, r.Owner.Display(), t.at(r.Deadline), Remaining(r.Deadline.Sub(now)))
}

func (t Text) Onboarding(p domain.Participant) string {
	return fmt.Sprintf("Hi %s, this is your first raid notification. Mute reminders any time from your participant settings.", p.Display())
}

// Question renders a question with numbered options when it has any.
func (t Text) Question(text string, options []string) string {
	if len(options) == 0 {
		return text + " (yes/no)"
	}
	var b strings.Builder
	b.WriteString(text)
	for i, o := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, o)
	}
	return b.String()
}

func (t Text) Rejection(message string) string {
	return "Request refused: " + message
}

// Remaining formats the time left before departure.
func Remaining(d time.Duration) string {
	if d <= 0 {
		return "departing now"
	}
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "less than a minute left"
	}
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	switch {
	case h == 0:
		return fmt.Sprintf("%dm left", m)
	case m == 0:
		return fmt.Sprintf("%dh left", h)
	}
	return fmt.Sprintf("%dh%02dm left", h, m)
}

// RaidTable renders summaries for the CLI.
func RaidTable(raids []domain.RaidSummary) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"ID", "Community", "Owner", "Venue", "Deadline", "Members", "Free", "State"})
	for _, r := range raids {
		tw.AppendRow(table.Row{r.ID, r.Community, r.Owner, r.Venue, r.Deadline.Format(time.RFC3339), len(r.Members), r.Free, r.State})
	}
	return tw.Render()
}
