package gateway

import (
	"context"
	"fmt"
	"sync"

	"raidline/internal/domain"
	"raidline/internal/ports"
)

// Op is one call recorded by Memory.
type Op struct {
	Kind     string
	Artifact domain.ArtifactKind
	Ref      domain.ArtifactRef
	Dest     ports.Destination
	Content  string
}

// Memory is an in-process gateway. It keeps live messages, records every call and can be told
// to fail publications of a given kind.
type Memory struct {
	mu       sync.Mutex
	seq      int
	messages map[string]memMessage
	ops      []Op
	failKind map[domain.ArtifactKind]error
	signals  chan ports.Signal
}

type memMessage struct {
	kind    domain.ArtifactKind
	dest    ports.Destination
	content string
}

func NewMemory() *Memory {
	return &Memory{
		messages: map[string]memMessage{},
		failKind: map[domain.ArtifactKind]error{},
		signals:  make(chan ports.Signal, 64),
	}
}

// FailOn makes publications and updates of kind return err. A nil err clears the failure.
func (m *Memory) FailOn(kind domain.ArtifactKind, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failKind, kind)
		return
	}
	m.failKind[kind] = err
}

func (m *Memory) Publish(_ context.Context, dest ports.Destination, kind domain.ArtifactKind, content string) (domain.ArtifactRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, Op{Kind: "publish", Artifact: kind, Dest: dest, Content: content})
	if err := m.failKind[kind]; err != nil {
		return domain.ArtifactRef{}, err
	}
	m.seq++
	channel := dest.Channel
	if dest.Participant != "" {
		channel = "dm:" + dest.Participant
	}
	ref := domain.ArtifactRef{Community: dest.Community, Channel: channel, MessageID: fmt.Sprintf("msg-%d", m.seq)}
	m.messages[ref.MessageID] = memMessage{kind: kind, dest: dest, content: content}
	m.ops[len(m.ops)-1].Ref = ref
	return ref, nil
}

func (m *Memory) Update(_ context.Context, ref domain.ArtifactRef, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[ref.MessageID]
	m.ops = append(m.ops, Op{Kind: "update", Artifact: msg.kind, Ref: ref, Content: content})
	if !ok {
		return ports.ErrArtifactNotFound
	}
	if err := m.failKind[msg.kind]; err != nil {
		return err
	}
	msg.content = content
	m.messages[ref.MessageID] = msg
	return nil
}

func (m *Memory) Delete(_ context.Context, ref domain.ArtifactRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[ref.MessageID]
	m.ops = append(m.ops, Op{Kind: "delete", Artifact: msg.kind, Ref: ref})
	if !ok {
		return ports.ErrArtifactNotFound
	}
	delete(m.messages, ref.MessageID)
	return nil
}

func (m *Memory) Exists(_ context.Context, ref domain.ArtifactRef) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.messages[ref.MessageID]
	return ok, nil
}

// Drop removes a message as if it was deleted on the platform.
func (m *Memory) Drop(ref domain.ArtifactRef) {
	m.mu.Lock()
	delete(m.messages, ref.MessageID)
	m.mu.Unlock()
}

// Ops returns a copy of every recorded call.
func (m *Memory) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Op, len(m.ops))
	copy(out, m.ops)
	return out
}

// Count returns how many calls of kind ("publish", "update", "delete") targeted artifact.
func (m *Memory) Count(kind string, artifact domain.ArtifactKind) int {
	n := 0
	for _, op := range m.Ops() {
		if op.Kind == kind && op.Artifact == artifact {
			n++
		}
	}
	return n
}

// Live lists the messages currently published of the given artifact kind.
func (m *Memory) Live(kind domain.ArtifactKind) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.messages {
		if msg.kind == kind {
			out = append(out, msg.content)
		}
	}
	return out
}

// Sent lists direct messages delivered to participant.
func (m *Memory) Sent(participant string) []Op {
	var out []Op
	for _, op := range m.Ops() {
		if op.Kind == "publish" && op.Dest.Participant == participant && op.Ref.MessageID != "" {
			out = append(out, op)
		}
	}
	return out
}

// Emit queues an inbound signal.
func (m *Memory) Emit(s ports.Signal) {
	m.signals <- s
}

// Signals is the inbound signal stream.
func (m *Memory) Signals() <-chan ports.Signal {
	return m.signals
}
