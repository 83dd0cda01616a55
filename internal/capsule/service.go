package capsule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/capsulejournal/capsuled/internal/clock"
	"github.com/capsulejournal/capsuled/internal/config"
	"github.com/capsulejournal/capsuled/internal/models"
	"github.com/capsulejournal/capsuled/internal/vault"
)

// maxChainLength bounds thread traversal. The pointer is mutated by a code
// path separate from capsule creation, so the walk never trusts the chain to
// be well-formed.
const maxChainLength = 10000

// Service enforces release gating, ownership and conversation threading on
// top of the capsule store.
type Service struct {
	db    *gorm.DB
	codec vault.Codec
	clock clock.Clock
	cfg   config.CapsuleConfig
	log   *zap.SugaredLogger
}

// NewService creates a capsule service.
func NewService(db *gorm.DB, codec vault.Codec, clk clock.Clock, cfg config.CapsuleConfig, log *zap.SugaredLogger) *Service {
	return &Service{
		db:    db,
		codec: codec,
		clock: clk,
		cfg:   cfg,
		log:   log,
	}
}

// CreateCapsule buries a new capsule. When replyingToID is set the referenced
// capsule must exist, belong to owner and already be released; the new
// capsule then joins (or starts) that capsule's conversation.
//
// Write order for replies: insert the reply, then advance the conversation
// pointer with a guarded update. A crash in between leaves an orphan reply,
// never a corrupted pointer.
func (s *Service) CreateCapsule(ctx context.Context, ownerID, content string, hold time.Duration, replyingToID *string) (*CreateReceipt, error) {
	if hold < s.cfg.MinHold {
		return nil, fmt.Errorf("%w: hold duration must be at least %s", ErrInvalidArgument, s.cfg.MinHold)
	}
	if utf8.RuneCountInString(content) > s.cfg.MaxContentLen {
		return nil, fmt.Errorf("%w: content exceeds %d characters", ErrInvalidArgument, s.cfg.MaxContentLen)
	}

	now := s.clock.Now()

	var parent *models.Capsule
	if replyingToID != nil {
		if _, err := uuid.Parse(*replyingToID); err != nil {
			return nil, fmt.Errorf("%w: replyingToId must be a UUID", ErrInvalidArgument)
		}
		p, err := s.findCapsule(ctx, *replyingToID)
		if err != nil {
			return nil, err
		}
		if p.UserID != ownerID {
			return nil, ErrForbidden
		}
		if !p.ReleasedAt(now) {
			return nil, ErrStillSealed
		}
		parent = p
	}

	ciphertext, err := s.codec.Encode(content)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}

	cap := &models.Capsule{
		ID:           uuid.NewString(),
		UserID:       ownerID,
		Content:      ciphertext,
		CreatedAt:    now,
		HoldDuration: hold,
		ReleaseAt:    now.Add(hold),
		ReplyingToID: replyingToID,
	}

	if parent == nil {
		if err := s.db.WithContext(ctx).Create(cap).Error; err != nil {
			return nil, fmt.Errorf("create capsule: %w", err)
		}
		return &CreateReceipt{
			ID:        cap.ID,
			ReleaseAt: cap.ReleaseAt,
			Details:   "capsule successfully buried",
		}, nil
	}

	conv, err := s.conversationFor(ctx, parent, now)
	if err != nil {
		return nil, err
	}

	cap.ConversationID = &conv.ID
	if err := s.db.WithContext(ctx).Create(cap).Error; err != nil {
		return nil, fmt.Errorf("create reply: %w", err)
	}

	// Guarded advance: exactly one of two concurrent replies wins. The loser's
	// capsule row stays behind as a detectable orphan for the repair sweep.
	res := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND latest_capsule_id = ?", conv.ID, parent.ID).
		Updates(map[string]interface{}{"latest_capsule_id": cap.ID, "updated_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("advance conversation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.log.Warnw("conversation advance lost, orphan reply left behind",
			"conversation", conv.ID, "capsule", cap.ID)
		return nil, fmt.Errorf("%w: a newer reply already exists in this conversation", ErrConflict)
	}

	return &CreateReceipt{
		ID:             cap.ID,
		ReleaseAt:      cap.ReleaseAt,
		ConversationID: &conv.ID,
		Details:        "capsule successfully buried",
	}, nil
}

// conversationFor returns the conversation a reply to parent belongs to,
// creating it lazily on the first reply. Replying into the middle of an
// existing chain is rejected so the chain stays unbranched.
func (s *Service) conversationFor(ctx context.Context, parent *models.Capsule, now time.Time) (*models.Conversation, error) {
	if parent.ConversationID != nil {
		var conv models.Conversation
		if err := s.db.WithContext(ctx).First(&conv, "id = ?", *parent.ConversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: conversation %s is missing", ErrConflict, *parent.ConversationID)
			}
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		if conv.LatestCapsuleID != parent.ID {
			return nil, fmt.Errorf("%w: replies must target the newest capsule in the conversation", ErrConflict)
		}
		return &conv, nil
	}

	conv := &models.Conversation{
		ID:              uuid.NewString(),
		UserID:          parent.UserID,
		LatestCapsuleID: parent.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		// The replied-to capsule retroactively becomes the thread's first
		// member. Guarded so two first replies cannot both spawn a thread.
		res := tx.Model(&models.Capsule{}).
			Where("id = ? AND conversation_id IS NULL", parent.ID).
			Update("conversation_id", conv.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: capsule %s was claimed by another conversation", ErrConflict, parent.ID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetCapsule returns a single decrypted capsule once it has released.
func (s *Service) GetCapsule(ctx context.Context, ownerID, id string) (*CapsuleView, error) {
	cap, err := s.findCapsule(ctx, id)
	if err != nil {
		return nil, err
	}
	if cap.UserID != ownerID {
		return nil, ErrForbidden
	}
	if !cap.ReleasedAt(s.clock.Now()) {
		return nil, ErrStillSealed
	}
	return s.view(cap)
}

// ListCapsules returns the owner's released capsules, newest release first.
func (s *Service) ListCapsules(ctx context.Context, ownerID string) ([]CapsuleView, error) {
	var caps []models.Capsule
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND release_at < ?", ownerID, s.clock.Now()).
		Order("release_at DESC").
		Find(&caps).Error
	if err != nil {
		return nil, fmt.Errorf("list capsules: %w", err)
	}

	views := make([]CapsuleView, 0, len(caps))
	for i := range caps {
		v, err := s.view(&caps[i])
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

// ListConversations returns one row per conversation, ordered by the release
// time of its latest capsule, descending. While the latest capsule is not yet
// reply-eligible the row displays its predecessor instead, so sealed content
// never leaks through the list.
func (s *Service) ListConversations(ctx context.Context, ownerID string) ([]ConversationView, error) {
	var convs []models.Conversation
	if err := s.db.WithContext(ctx).Where("user_id = ?", ownerID).Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	now := s.clock.Now()
	views := make([]ConversationView, 0, len(convs))
	for i := range convs {
		latest, err := s.findCapsule(ctx, convs[i].LatestCapsuleID)
		if err != nil {
			return nil, fmt.Errorf("conversation %s: %w", convs[i].ID, err)
		}

		replyAllowed := latest.ReleasedAt(now)
		displayed := latest
		if !replyAllowed {
			if latest.ReplyingToID == nil {
				return nil, fmt.Errorf("%w: conversation %s has a sealed head with no predecessor", ErrConflict, convs[i].ID)
			}
			displayed, err = s.findCapsule(ctx, *latest.ReplyingToID)
			if err != nil {
				return nil, fmt.Errorf("conversation %s: %w", convs[i].ID, err)
			}
		}

		dv, err := s.view(displayed)
		if err != nil {
			return nil, err
		}
		views = append(views, ConversationView{
			ID:              convs[i].ID,
			LatestReleaseAt: latest.ReleaseAt,
			ReplyAllowed:    replyAllowed,
			Displayed:       *dv,
		})
	}

	// Newest conversations first
	sort.Slice(views, func(i, j int) bool {
		return views[i].LatestReleaseAt.After(views[j].LatestReleaseAt)
	})
	return views, nil
}

// GetConversationThread walks the reply chain backward from the latest
// capsule and returns it newest first. Under ViewUnseen the newest capsule is
// withheld exactly while the conversation is not yet reply-eligible.
func (s *Service) GetConversationThread(ctx context.Context, ownerID, conversationID string, view ThreadView) (*Thread, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv.UserID != ownerID {
		return nil, ErrForbidden
	}

	chain, err := s.walkChain(ctx, conv.LatestCapsuleID)
	if err != nil {
		return nil, err
	}

	replyAllowed := chain[0].ReleasedAt(s.clock.Now())

	capsules := make([]CapsuleView, 0, len(chain))
	for i := range chain {
		v, err := s.view(chain[i])
		if err != nil {
			return nil, err
		}
		capsules = append(capsules, *v)
	}

	if view == ViewUnseen && !replyAllowed {
		capsules = capsules[1:]
	}

	return &Thread{
		ConversationID: conv.ID,
		ReplyAllowed:   replyAllowed,
		Capsules:       capsules,
	}, nil
}

// DeliveryChain returns the full decrypted reply chain of a conversation,
// newest first, with no display withholding. It exists for the delivery
// scheduler, whose notification payload always carries full context.
func (s *Service) DeliveryChain(ctx context.Context, conversationID string) ([]CapsuleView, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	chain, err := s.walkChain(ctx, conv.LatestCapsuleID)
	if err != nil {
		return nil, err
	}

	views := make([]CapsuleView, 0, len(chain))
	for i := range chain {
		v, err := s.view(chain[i])
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

// walkChain follows replying_to_id from the given capsule to the root,
// guarding against cycles and runaway chains.
func (s *Service) walkChain(ctx context.Context, headID string) ([]*models.Capsule, error) {
	var chain []*models.Capsule
	visited := make(map[string]bool)

	id := &headID
	for id != nil {
		if visited[*id] || len(chain) >= maxChainLength {
			return nil, fmt.Errorf("%w: reply chain is cyclic at capsule %s", ErrConflict, *id)
		}
		visited[*id] = true

		cap, err := s.findCapsule(ctx, *id)
		if err != nil {
			return nil, fmt.Errorf("walk chain: %w", err)
		}
		chain = append(chain, cap)
		id = cap.ReplyingToID
	}
	return chain, nil
}

func (s *Service) findCapsule(ctx context.Context, id string) (*models.Capsule, error) {
	var cap models.Capsule
	if err := s.db.WithContext(ctx).First(&cap, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load capsule: %w", err)
	}
	return &cap, nil
}

func (s *Service) view(cap *models.Capsule) (*CapsuleView, error) {
	plain, err := s.codec.Decode(cap.Content)
	if err != nil {
		return nil, fmt.Errorf("decrypt capsule %s: %w", cap.ID, err)
	}
	return &CapsuleView{
		ID:             cap.ID,
		Content:        plain,
		CreatedAt:      cap.CreatedAt,
		HoldDuration:   cap.HoldDuration,
		ReleaseAt:      cap.ReleaseAt,
		ReplyingToID:   cap.ReplyingToID,
		ConversationID: cap.ConversationID,
	}, nil
}
