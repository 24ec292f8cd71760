package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"raidline/internal/domain"
	"raidline/internal/ports"
)

const defaultWebhookTimeout = 5 * time.Second

type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// Webhook forwards artifact operations to a platform bridge over HTTP. The bridge owns the
// chat connection; it answers 404 for messages that no longer exist.
type Webhook struct {
	base   string
	secret string
	client *http.Client
	logger zerolog.Logger
}

func NewWebhook(cfg WebhookConfig, logger zerolog.Logger) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		base:   strings.TrimRight(cfg.URL, "/"),
		secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "gateway").Logger(),
	}
}

type publishBody struct {
	Community   string `json:"community"`
	Channel     string `json:"channel,omitempty"`
	Participant string `json:"participant,omitempty"`
	Kind        string `json:"kind"`
	Content     string `json:"content"`
}

type publishResult struct {
	MessageID string `json:"message_id"`
	Channel   string `json:"channel"`
}

type updateBody struct {
	Community string `json:"community"`
	Channel   string `json:"channel"`
	Content   string `json:"content"`
}

func (w *Webhook) Publish(ctx context.Context, dest ports.Destination, kind domain.ArtifactKind, content string) (domain.ArtifactRef, error) {
	body := publishBody{
		Community:   dest.Community,
		Channel:     dest.Channel,
		Participant: dest.Participant,
		Kind:        string(kind),
		Content:     content,
	}
	var out publishResult
	if err := w.do(ctx, http.MethodPost, w.base+"/messages", string(kind), body, &out); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("publish %s: %w", kind, err)
	}
	if out.MessageID == "" {
		return domain.ArtifactRef{}, fmt.Errorf("publish %s: bridge returned no message id", kind)
	}
	channel := out.Channel
	if channel == "" {
		channel = dest.Channel
	}
	return domain.ArtifactRef{Community: dest.Community, Channel: channel, MessageID: out.MessageID}, nil
}

func (w *Webhook) Update(ctx context.Context, ref domain.ArtifactRef, content string) error {
	body := updateBody{Community: ref.Community, Channel: ref.Channel, Content: content}
	if err := w.do(ctx, http.MethodPut, w.messageURL(ref), "", body, nil); err != nil {
		return fmt.Errorf("update %s: %w", ref.MessageID, err)
	}
	return nil
}

func (w *Webhook) Delete(ctx context.Context, ref domain.ArtifactRef) error {
	if err := w.do(ctx, http.MethodDelete, w.messageURL(ref), "", nil, nil); err != nil {
		return fmt.Errorf("delete %s: %w", ref.MessageID, err)
	}
	return nil
}

func (w *Webhook) Exists(ctx context.Context, ref domain.ArtifactRef) (bool, error) {
	err := w.do(ctx, http.MethodGet, w.messageURL(ref), "", nil, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ports.ErrArtifactNotFound):
		return false, nil
	}
	return false, fmt.Errorf("check %s: %w", ref.MessageID, err)
}

func (w *Webhook) messageURL(ref domain.ArtifactRef) string {
	q := url.Values{}
	q.Set("community", ref.Community)
	q.Set("channel", ref.Channel)
	return w.base + "/messages/" + url.PathEscape(ref.MessageID) + "?" + q.Encode()
}

func (w *Webhook) do(ctx context.Context, method, target, kind string, in, out any) error {
	var payload io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return err
	}
	delivery := uuid.NewString()
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Raidline-Delivery", delivery)
	if kind != "" {
		req.Header.Set("X-Raidline-Kind", kind)
	}
	if strings.TrimSpace(w.secret) != "" {
		req.Header.Set("X-Raidline-Secret", w.secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return ports.ErrArtifactNotFound
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		w.logger.Debug().Str("method", method).Str("delivery", delivery).Int("status", res.StatusCode).Msg("bridge call failed")
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("decode bridge response: %w", err)
		}
	}
	return nil
}
