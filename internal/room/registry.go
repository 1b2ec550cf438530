// Package room hosts study rooms: a shared chat log plus a relay for the
// WebRTC signaling messages participants exchange to call each other.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/campuscompanion/companion/internal/metrics"
)

const (
	// ChatHistoryLimit bounds the chat log kept per room.
	ChatHistoryLimit   = 200
	MaxParticipants    = 16
	maxRoomNameRunes   = 80
	maxChatRunes       = 2000
	outboundQueueDepth = 64
)

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomFull            = errors.New("room is full")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrInvalidName         = errors.New("room name must be 1-80 characters")
	ErrInvalidMessage      = errors.New("chat message must be 1-2000 characters")
)

// ParticipantInfo is the public view of a participant.
type ParticipantInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}

// ChatMessage is one entry of a room's chat log.
type ChatMessage struct {
	ID       string    `json:"id"`
	From     string    `json:"from"`
	FromName string    `json:"from_name"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

// Summary is a room as listed.
type Summary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Participants int       `json:"participants"`
}

// Snapshot is a room with its participants and recent chat.
type Snapshot struct {
	Summary
	Members []ParticipantInfo `json:"members"`
	Chat    []ChatMessage     `json:"chat"`
}

// Participant is a connected member. Outbound frames are queued on Send.
type Participant struct {
	ParticipantInfo
	UserID string
	send   chan []byte
}

// Send returns the participant's outbound queue.
func (p *Participant) Send() <-chan []byte { return p.send }

type room struct {
	id           string
	name         string
	createdBy    string
	createdAt    time.Time
	lastActive   time.Time
	participants map[string]*Participant
	chat         []ChatMessage
}

func (r *room) summary() Summary {
	return Summary{ID: r.id, Name: r.name, CreatedBy: r.createdBy, CreatedAt: r.createdAt, Participants: len(r.participants)}
}

func (r *room) members() []ParticipantInfo {
	out := make([]ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p.ParticipantInfo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

func (r *room) snapshot() Snapshot {
	chat := make([]ChatMessage, len(r.chat))
	copy(chat, r.chat)
	return Snapshot{Summary: r.summary(), Members: r.members(), Chat: chat}
}

// Registry owns every room. All state lives here and is swept explicitly.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*room
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates a registry whose empty rooms expire after ttl.
func NewRegistry(ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:  make(map[string]*room),
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// Create opens a new room.
func (g *Registry) Create(name, createdBy string) (Snapshot, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n == 0 || n > maxRoomNameRunes {
		return Snapshot{}, ErrInvalidName
	}
	now := g.now()
	r := &room{
		id:           uuid.NewString(),
		name:         name,
		createdBy:    createdBy,
		createdAt:    now,
		lastActive:   now,
		participants: make(map[string]*Participant),
	}

	snap := r.snapshot()

	g.mu.Lock()
	g.rooms[r.id] = r
	g.mu.Unlock()

	g.logger.Info("Study room created", "room_id", r.id, "created_by", createdBy)
	return snap, nil
}

// List returns all rooms, newest first.
func (g *Registry) List() []Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Summary, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Get returns one room.
func (g *Registry) Get(id string) (Snapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshot(), true
}

// Join adds a participant, queues the welcome frame for them and announces
// them to everyone else.
func (g *Registry) Join(roomID, name, userID string) (*Participant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Student"
	}
	if utf8.RuneCountInString(name) > maxRoomNameRunes {
		name = string([]rune(name)[:maxRoomNameRunes])
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if len(r.participants) >= MaxParticipants {
		return nil, ErrRoomFull
	}

	p := &Participant{
		ParticipantInfo: ParticipantInfo{ID: uuid.NewString(), Name: name, JoinedAt: g.now()},
		UserID:          userID,
		send:            make(chan []byte, outboundQueueDepth),
	}
	r.participants[p.ID] = p
	r.lastActive = g.now()
	metrics.ActiveRoomParticipants.Inc()

	snap := r.snapshot()
	g.enqueue(p, Envelope{
		Type:         TypeWelcome,
		Participant:  &p.ParticipantInfo,
		Participants: snap.Members,
		Chat:         snap.Chat,
	})
	g.broadcast(r, p.ID, Envelope{Type: TypeParticipantJoined, Participant: &p.ParticipantInfo})

	g.logger.Info("Participant joined study room", "room_id", roomID, "participant_id", p.ID)
	return p, nil
}

// Leave removes a participant and announces it. Leaving twice is a no-op.
func (g *Registry) Leave(roomID, participantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return
	}
	p, ok := r.participants[participantID]
	if !ok {
		return
	}
	delete(r.participants, participantID)
	close(p.send)
	r.lastActive = g.now()
	metrics.ActiveRoomParticipants.Dec()

	g.broadcast(r, "", Envelope{Type: TypeParticipantLeft, Participant: &p.ParticipantInfo})
	g.logger.Info("Participant left study room", "room_id", roomID, "participant_id", participantID)
}

// PostChat appends a chat message to the bounded log and broadcasts it to
// every participant, the sender included.
func (g *Registry) PostChat(roomID, participantID, content string) (ChatMessage, error) {
	content = strings.TrimSpace(content)
	if n := utf8.RuneCountInString(content); n == 0 || n > maxChatRunes {
		return ChatMessage{}, ErrInvalidMessage
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return ChatMessage{}, ErrRoomNotFound
	}
	p, ok := r.participants[participantID]
	if !ok {
		return ChatMessage{}, ErrParticipantNotFound
	}

	msg := ChatMessage{
		ID:       uuid.NewString(),
		From:     p.ID,
		FromName: p.Name,
		Content:  content,
		SentAt:   g.now(),
	}
	r.chat = append(r.chat, msg)
	if over := len(r.chat) - ChatHistoryLimit; over > 0 {
		r.chat = append([]ChatMessage(nil), r.chat[over:]...)
	}
	r.lastActive = msg.SentAt

	g.broadcast(r, "", Envelope{Type: TypeChat, Message: &msg})
	return msg, nil
}

// Relay forwards a signaling payload from one participant to another.
func (g *Registry) Relay(roomID, from, to, kind string, payload json.RawMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if _, ok := r.participants[from]; !ok {
		return ErrParticipantNotFound
	}
	target, ok := r.participants[to]
	if !ok {
		return ErrParticipantNotFound
	}
	r.lastActive = g.now()
	g.enqueue(target, Envelope{Type: kind, From: from, To: to, Payload: payload})
	return nil
}

// Sweep removes empty rooms idle for longer than the TTL and returns how
// many were removed.
func (g *Registry) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-g.ttl)
	removed := 0
	for id, r := range g.rooms {
		if len(r.participants) == 0 && r.lastActive.Before(cutoff) {
			delete(g.rooms, id)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps every interval until ctx is done.
func (g *Registry) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	g.logger.Info("Room sweeper started", "interval", interval, "ttl", g.ttl)

	for {
		select {
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				g.logger.Info("Room sweeper removed idle rooms", "count", n)
			}
		case <-ctx.Done():
			g.logger.Info("Room sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// broadcast queues env for every participant except skip. Callers hold g.mu.
func (g *Registry) broadcast(r *room, skip string, env Envelope) {
	for id, p := range r.participants {
		if id != skip {
			g.enqueue(p, env)
		}
	}
}

// enqueue never blocks: a participant whose queue is full misses the frame.
func (g *Registry) enqueue(p *Participant, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		g.logger.Warn("Failed to encode room frame", "type", env.Type, "error", err)
		return
	}
	select {
	case p.send <- data:
	default:
		g.logger.Warn("Room participant queue full, dropping frame", "participant_id", p.ID, "type", env.Type)
	}
}
