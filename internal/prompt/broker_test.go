package prompt_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidline/internal/domain"
	"raidline/internal/gate"
	"raidline/internal/gateway"
	"raidline/internal/prompt"
	"raidline/internal/render"
)

func waitPending(t *testing.T, b *prompt.Broker, who string) prompt.Pending {
	t.Helper()
	var got []prompt.Pending
	require.Eventually(t, func() bool {
		got = b.Pending(who)
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	return got[0]
}

func TestAskAndAnswer(t *testing.T) {
	gw := gateway.NewMemory()
	b := prompt.NewBroker(gw, render.Text{}, nil, zerolog.Nop())
	q := gate.Question{To: domain.Participant{ID: "u1"}, Community: "guild", Op: gate.OpRemove, Text: "Remove?"}

	type result struct {
		reply gate.Reply
		err   error
	}
	res := make(chan result, 1)
	go func() {
		r, err := b.Ask(context.Background(), q)
		res <- result{r, err}
	}()

	p := waitPending(t, b, "u1")
	assert.Equal(t, "remove", p.Op)
	require.ErrorIs(t, b.Answer(p.ID, "someone-else", gate.Reply{Answer: gate.Yes}), prompt.ErrNotAddressee)
	require.NoError(t, b.Answer(p.ID, "u1", gate.Reply{Answer: gate.Yes}))

	out := <-res
	require.NoError(t, out.err)
	assert.Equal(t, gate.Yes, out.reply.Answer)
	assert.Empty(t, b.Pending("u1"))
	assert.Equal(t, 1, gw.Count("publish", domain.ArtifactQuestion))
	assert.Empty(t, gw.Live(domain.ArtifactQuestion))
	require.ErrorIs(t, b.Answer(p.ID, "u1", gate.Reply{Answer: gate.Yes}), prompt.ErrUnknownQuestion)
}

func TestAskTimesOut(t *testing.T) {
	b := prompt.NewBroker(gateway.NewMemory(), render.Text{}, nil, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Ask(ctx, gate.Question{To: domain.Participant{ID: "u1"}, Text: "Sure?"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, b.Pending(""))
}

func TestChoiceOutOfRangeKeepsQuestionOpen(t *testing.T) {
	b := prompt.NewBroker(gateway.NewMemory(), render.Text{}, nil, zerolog.Nop())
	res := make(chan gate.Reply, 1)
	go func() {
		r, _ := b.Ask(context.Background(), gate.Question{To: domain.Participant{ID: "u1"}, Text: "Which?", Options: []string{"a", "b"}})
		res <- r
	}()
	p := waitPending(t, b, "u1")

	err := b.Answer(p.ID, "u1", gate.Reply{Answer: gate.Yes, Choice: 5})
	require.True(t, errors.Is(err, prompt.ErrInvalidAnswer))
	require.NoError(t, b.Answer(p.ID, "u1", gate.Reply{Answer: gate.Yes, Choice: 1}))
	assert.Equal(t, 1, (<-res).Choice)
}

func TestParseAnswer(t *testing.T) {
	r, err := prompt.ParseAnswer(" Yes ")
	require.NoError(t, err)
	assert.Equal(t, gate.Yes, r.Answer)

	r, err = prompt.ParseAnswer("no")
	require.NoError(t, err)
	assert.Equal(t, gate.No, r.Answer)

	r, err = prompt.ParseAnswer("2")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Choice)

	_, err = prompt.ParseAnswer("0")
	require.ErrorIs(t, err, prompt.ErrInvalidAnswer)
	_, err = prompt.ParseAnswer("maybe")
	require.ErrorIs(t, err, prompt.ErrInvalidAnswer)
}

func TestInvalidChoiceThenExpiryLeavesNothingPending(t *testing.T) {
	b := prompt.NewBroker(gateway.NewMemory(), render.Text{}, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Ask(ctx, gate.Question{To: domain.Participant{ID: "u1"}, Text: "Which?", Options: []string{"a", "b"}})
		done <- err
	}()
	p := waitPending(t, b, "u1")

	require.ErrorIs(t, b.Answer(p.ID, "u1", gate.Reply{Answer: gate.Yes, Choice: 7}), prompt.ErrInvalidAnswer)
	assert.Len(t, b.Pending("u1"), 1, "still waiting after a bad choice")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, b.Pending(""))
	require.ErrorIs(t, b.Answer(p.ID, "u1", gate.Reply{Answer: gate.Yes, Choice: 7}), prompt.ErrUnknownQuestion)
	require.ErrorIs(t, b.Answer(p.ID, "u1", gate.Reply{Answer: gate.Yes}), prompt.ErrUnknownQuestion)
}
