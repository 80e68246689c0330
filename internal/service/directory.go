package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/gatherhub/messaging-engine/internal/model"
	"github.com/gatherhub/messaging-engine/internal/store"
	"github.com/gatherhub/messaging-engine/pkg/logger"
	"github.com/gatherhub/messaging-engine/pkg/metrics"
)

const (
	maxGroupNameLength = 256
	minGroupMembers    = 3
)

// Directory resolves "the conversation between A and B" to one durable id and
// creates group conversations.
type Directory struct {
	store  store.Store
	logger *logger.Logger
}

// NewDirectory creates a new Directory.
func NewDirectory(st store.Store, log *logger.Logger) *Directory {
	return &Directory{store: st, logger: log}
}

// GetOrCreateDirect resolves the direct conversation for the pair, creating
// it on first use. Both orders of the same pair resolve to the same
// conversation; a create that races another caller loses cleanly and returns
// the winner's row. The second return value reports whether this call created
// the conversation.
func (d *Directory) GetOrCreateDirect(ctx context.Context, userA, userB string) (*model.Conversation, bool, error) {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return nil, false, invalidArgument("both user ids are required")
	}
	if userA == userB {
		return nil, false, invalidArgument("cannot start a conversation with yourself")
	}

	key := store.PairKey(userA, userB)

	if conv, err := d.store.FindDirect(ctx, key); err == nil {
		return conv, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, unavailable("direct lookup failed: %v", err)
	}

	conv, err := d.store.CreateConversation(ctx, model.Conversation{
		IsGroup: false,
		PairKey: key,
	}, []string{userA, userB})
	if errors.Is(err, store.ErrDuplicatePair) {
		// Lost the create race; the winner's conversation exists now.
		winner, ferr := d.store.FindDirect(ctx, key)
		if ferr != nil {
			return nil, false, unavailable("direct lookup after conflict failed: %v", ferr)
		}
		return winner, false, nil
	}
	if err != nil {
		return nil, false, unavailable("create direct conversation failed: %v", err)
	}

	metrics.ConversationsTotal.WithLabelValues(metrics.ConversationKind(false)).Inc()
	d.logger.Info("direct conversation created",
		zap.String("conversation_id", conv.ID),
	)
	return conv, true, nil
}

// CreateGroup creates a group conversation. The member set is de-duplicated,
// must include the creator, and must hold at least three distinct users; a
// two-member group is a direct conversation and belongs on that path.
func (d *Directory) CreateGroup(ctx context.Context, creatorID string, memberIDs []string, name string) (*model.Conversation, error) {
	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		return nil, invalidArgument("creator id is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalidArgument("group name is required")
	}
	if len(name) > maxGroupNameLength {
		return nil, invalidArgument("group name exceeds maximum length")
	}

	seen := map[string]struct{}{creatorID: {}}
	members := []string{creatorID}
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if len(members) < minGroupMembers {
		return nil, invalidArgument("a group needs at least %d distinct members; use a direct conversation for two", minGroupMembers)
	}

	conv, err := d.store.CreateConversation(ctx, model.Conversation{
		IsGroup:     true,
		DisplayName: name,
	}, members)
	if err != nil {
		return nil, unavailable("create group conversation failed: %v", err)
	}

	metrics.ConversationsTotal.WithLabelValues(metrics.ConversationKind(true)).Inc()
	d.logger.Info("group conversation created",
		zap.String("conversation_id", conv.ID),
		zap.Int("members", len(members)),
	)
	return conv, nil
}
