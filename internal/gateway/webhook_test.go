package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"raidline/internal/domain"
	"raidline/internal/gateway"
	"raidline/internal/ports"
)

type bridge struct {
	mu       sync.Mutex
	messages map[string]string
	headers  []http.Header
	seq      int
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.headers = append(b.headers, r.Header.Clone())
	if r.Header.Get("X-Raidline-Secret") != "s3cret" {
		http.Error(w, "bad secret", http.StatusUnauthorized)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/messages/")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/messages":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.seq++
		mid := fmt.Sprintf("m%d", b.seq)
		b.messages[mid] = body["content"]
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"message_id": mid})
	case r.Method == http.MethodPut:
		if _, ok := b.messages[id]; !ok {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.messages[id] = body["content"]
	case r.Method == http.MethodDelete:
		if _, ok := b.messages[id]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(b.messages, id)
	case r.Method == http.MethodGet:
		if _, ok := b.messages[id]; !ok {
			http.NotFound(w, r)
		}
	default:
		http.Error(w, "boom", http.StatusInternalServerError)
	}
}

func (b *bridge) content(id string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.messages[id]
}

func (b *bridge) header(i int) http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headers[i]
}

func TestWebhookRoundTrip(t *testing.T) {
	b := &bridge{messages: map[string]string{}}
	srv := httptest.NewServer(b)
	defer srv.Close()
	w := gateway.NewWebhook(gateway.WebhookConfig{URL: srv.URL + "/", Secret: "s3cret"}, zerolog.Nop())
	ctx := context.Background()

	ref, err := w.Publish(ctx, ports.Destination{Community: "guild", Channel: "raids"}, domain.ArtifactJoin, "join us")
	require.NoError(t, err)
	assert.Equal(t, domain.ArtifactRef{Community: "guild", Channel: "raids", MessageID: "m1"}, ref)
	assert.Equal(t, "join", b.header(0).Get("X-Raidline-Kind"))
	assert.NotEmpty(t, b.header(0).Get("X-Raidline-Delivery"))

	require.NoError(t, w.Update(ctx, ref, "still open"))
	assert.Equal(t, "still open", b.content("m1"))

	ok, err := w.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, w.Delete(ctx, ref))
	ok, err = w.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)

	require.ErrorIs(t, w.Update(ctx, ref, "gone"), ports.ErrArtifactNotFound)
	require.ErrorIs(t, w.Delete(ctx, ref), ports.ErrArtifactNotFound)
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(&bridge{messages: map[string]string{}})
	defer srv.Close()
	w := gateway.NewWebhook(gateway.WebhookConfig{URL: srv.URL, Secret: "wrong"}, zerolog.Nop())

	_, err := w.Publish(context.Background(), ports.Destination{Community: "guild", Participant: "u1"}, domain.ArtifactReminder, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.NotErrorIs(t, err, ports.ErrArtifactNotFound)

	_, err = w.Exists(context.Background(), domain.ArtifactRef{Community: "guild", MessageID: "x"})
	require.Error(t, err)
}
