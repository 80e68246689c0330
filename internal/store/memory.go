package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatherhub/messaging-engine/internal/model"
)

// Config holds tunables for the in-memory store.
type Config struct {
	// Clock supplies timestamps; defaults to time.Now. Tests pin it.
	Clock func() time.Time
}

// MemoryStore keeps all three relations in process memory. A single RWMutex
// guards the maps; every write path runs under the write lock, which is what
// makes check-and-create on the pair index and append ordering atomic.
type MemoryStore struct {
	mu  sync.RWMutex
	cfg Config

	conversations map[string]*model.Conversation
	pairIndex     map[string]string                        // pair key -> conversation id
	participants  map[string]map[string]*model.Participant // conversation id -> user id -> row
	userConvs     map[string]map[string]struct{}           // user id -> set(conversation id)
	messages      map[string][]model.Message               // conversation id -> ordered log
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore(cfg Config) *MemoryStore {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &MemoryStore{
		cfg:           cfg,
		conversations: map[string]*model.Conversation{},
		pairIndex:     map[string]string{},
		participants:  map[string]map[string]*model.Participant{},
		userConvs:     map[string]map[string]struct{}{},
		messages:      map[string][]model.Message{},
	}
}

func (s *MemoryStore) now() time.Time {
	return s.cfg.Clock().UTC()
}

func (s *MemoryStore) CreateConversation(ctx context.Context, conv model.Conversation, memberIDs []string) (*model.Conversation, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.PairKey != "" {
		if _, ok := s.pairIndex[conv.PairKey]; ok {
			return nil, ErrDuplicatePair
		}
	}

	conv.ID = uuid.Must(uuid.NewV7()).String()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	conv.LastMessage = nil

	s.conversations[conv.ID] = &conv
	if conv.PairKey != "" {
		s.pairIndex[conv.PairKey] = conv.ID
	}

	rows := map[string]*model.Participant{}
	for _, userID := range memberIDs {
		rows[userID] = &model.Participant{
			ConversationID: conv.ID,
			UserID:         userID,
			JoinedAt:       now,
			LastReadAt:     now,
		}
		if _, ok := s.userConvs[userID]; !ok {
			s.userConvs[userID] = map[string]struct{}{}
		}
		s.userConvs[userID][conv.ID] = struct{}{}
	}
	s.participants[conv.ID] = rows
	s.messages[conv.ID] = []model.Message{}

	cp := conv
	return &cp, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getConversationLocked(id)
}

func (s *MemoryStore) getConversationLocked(id string) (*model.Conversation, error) {
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (s *MemoryStore) FindDirect(ctx context.Context, pairKey string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pairIndex[pairKey]
	if !ok {
		return nil, ErrNotFound
	}
	return s.getConversationLocked(id)
}

func (s *MemoryStore) ListConversationsByUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Conversation, 0, len(s.userConvs[userID]))
	for id := range s.userConvs[userID] {
		if conv, ok := s.conversations[id]; ok {
			out = append(out, *conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, ok := s.participants[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]model.Participant, 0, len(rows))
	for _, p := range rows {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, ok := s.participants[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := rows[userID]
	if !ok {
		return nil, ErrNotParticipant
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) AdvanceReadWatermark(ctx context.Context, conversationID, userID string, at time.Time) (time.Time, error) {
	if at.IsZero() {
		at = s.now()
	}
	at = at.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.participants[conversationID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	p, ok := rows[userID]
	if !ok {
		return time.Time{}, ErrNotParticipant
	}
	if at.After(p.LastReadAt) {
		p.LastReadAt = at
	}
	return p.LastReadAt, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, conversationID, senderID, content, sharedRefID string) (*model.Message, error) {
	at := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if _, ok := s.participants[conversationID][senderID]; !ok {
		return nil, ErrNotParticipant
	}

	// Server timestamps are strictly increasing per conversation so that
	// (CreatedAt, ID) is a total order even under a coarse clock. UpdatedAt
	// is the floor: creation time for an empty log, otherwise the last
	// message's timestamp.
	if !at.After(conv.UpdatedAt) {
		at = conv.UpdatedAt.Add(time.Microsecond)
	}
	log := s.messages[conversationID]

	msg := model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		SharedRefID:    sharedRefID,
		CreatedAt:      at,
	}
	s.messages[conversationID] = append(log, msg)

	conv.UpdatedAt = at
	preview := msg
	preview.Content = trimSnippet(msg.Content, 500)
	conv.LastMessage = &preview

	cp := msg
	return &cp, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID, sinceID string, limit int) ([]model.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.messages[conversationID]
	if !ok {
		return nil, false, ErrNotFound
	}

	start := 0
	if sinceID != "" {
		for i := range log {
			if log[i].ID == sinceID {
				start = i + 1
				break
			}
		}
	}

	rest := log[start:]
	hasMore := false
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
		hasMore = true
	}
	out := make([]model.Message, len(rest))
	copy(out, rest)
	return out, hasMore, nil
}

func (s *MemoryStore) CountMessagesAfter(ctx context.Context, conversationID string, after time.Time, excludeSender string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.messages[conversationID]
	if !ok {
		return 0, ErrNotFound
	}

	// The log is ordered, so walk back from the tail until the watermark.
	count := 0
	for i := len(log) - 1; i >= 0; i-- {
		if !log[i].CreatedAt.After(after) {
			break
		}
		if log[i].SenderID != excludeSender {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func trimSnippet(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return text[:max]
}
