package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/capsulejournal/capsuled/internal/capsule"
	"github.com/capsulejournal/capsuled/internal/clock"
	"github.com/capsulejournal/capsuled/internal/config"
	"github.com/capsulejournal/capsuled/internal/models"
	"github.com/capsulejournal/capsuled/internal/notify"
	"github.com/capsulejournal/capsuled/internal/vault"
)

// Sweeper periodically scans the store for released, undelivered capsules and
// dispatches one notification per capsule.
//
// Delivery is at-least-once: the notification is sent first and the capsule
// marked delivered second, so a crash between the two steps can repeat one
// email on the next sweep. A capsule already marked delivered is never
// notified again; the mark is a guarded update, so two overlapping sweeps
// record exactly one delivery.
type Sweeper struct {
	db       *gorm.DB
	capsules *capsule.Service
	codec    vault.Codec
	notifier notify.Notifier
	clock    clock.Clock
	cfg      config.SchedulerConfig
	limiter  *rate.Limiter
	log      *zap.SugaredLogger
}

// NewSweeper creates a delivery sweeper.
func NewSweeper(db *gorm.DB, capsules *capsule.Service, codec vault.Codec, notifier notify.Notifier, clk clock.Clock, cfg config.SchedulerConfig, log *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		db:       db,
		capsules: capsules,
		codec:    codec,
		notifier: notifier,
		clock:    clk,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SendsPerSec), 1),
		log:      log,
	}
}

// Run sweeps immediately on startup (crash catch-up is derived purely from
// persisted state) and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Infow("delivery sweeper started", "interval", s.cfg.SweepInterval)

	if err := s.Sweep(ctx); err != nil {
		s.log.Errorw("initial sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("delivery sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Errorw("sweep failed", "error", err)
			}
		}
	}
}

// Sweep processes every due, undelivered capsule in ascending release order.
// One capsule's failure never aborts the rest of the batch.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.clock.Now()

	q := s.db.WithContext(ctx).
		Where("delivered = ? AND release_at <= ?", false, now)
	if s.cfg.CatchupWindow > 0 {
		// Lower cutoff so an extended outage does not dump months of stale
		// capsules into the mailer at once.
		q = q.Where("release_at >= ?", now.Add(-s.cfg.CatchupWindow))
	}

	var due []models.Capsule
	if err := q.Order("release_at ASC").Find(&due).Error; err != nil {
		return fmt.Errorf("scan due capsules: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	s.log.Infow("sweep found due capsules", "count", len(due))

	for i := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.deliver(ctx, &due[i]); err != nil {
			s.log.Warnw("capsule delivery failed, will retry next sweep",
				"capsule", due[i].ID, "error", err)
		}
	}
	return nil
}

// deliver sends the release notification for one capsule and marks it
// delivered on success.
func (s *Sweeper) deliver(ctx context.Context, cap *models.Capsule) error {
	var owner models.User
	if err := s.db.WithContext(ctx).First(&owner, "id = ?", cap.UserID).Error; err != nil {
		return fmt.Errorf("load owner: %w", err)
	}

	if owner.Email == nil {
		// Nobody to notify. Mark delivered so the row stops resurfacing.
		s.log.Infow("owner has no email, skipping notification", "capsule", cap.ID, "user", owner.ID)
		return s.markDelivered(ctx, cap.ID)
	}

	subject, body, err := s.render(ctx, cap)
	if err != nil {
		return fmt.Errorf("render notification: %w", err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	notifyCtx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(notifyCtx, *owner.Email, subject, body); err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	return s.markDelivered(ctx, cap.ID)
}

// markDelivered flips the delivered flag exactly once. A zero-row update
// means another worker already recorded the delivery, which is not an error.
func (s *Sweeper) markDelivered(ctx context.Context, capsuleID string) error {
	res := s.db.WithContext(ctx).Model(&models.Capsule{}).
		Where("id = ? AND delivered = ?", capsuleID, false).
		Update("delivered", true)
	if res.Error != nil {
		return fmt.Errorf("mark delivered: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.log.Debugw("capsule already marked delivered", "capsule", capsuleID)
	}
	return nil
}

// render builds the notification subject and body. Threaded capsules carry
// the full conversation, oldest first, beneath the newly released message.
func (s *Sweeper) render(ctx context.Context, cap *models.Capsule) (string, string, error) {
	newest, err := s.codec.Decode(cap.Content)
	if err != nil {
		return "", "", err
	}

	if cap.ConversationID == nil {
		return subjectFor(cap), renderStandalone(cap, newest), nil
	}

	chain, err := s.capsules.DeliveryChain(ctx, *cap.ConversationID)
	if err != nil {
		// A chain that cannot be walked must not block the release itself.
		if errors.Is(err, capsule.ErrConflict) || errors.Is(err, capsule.ErrNotFound) {
			s.log.Warnw("conversation context unavailable, sending capsule alone",
				"capsule", cap.ID, "error", err)
			return subjectFor(cap), renderStandalone(cap, newest), nil
		}
		return "", "", err
	}

	return subjectFor(cap), renderThread(cap, newest, chain), nil
}

func subjectFor(cap *models.Capsule) string {
	return fmt.Sprintf("Your time capsule from %s has been released", cap.CreatedAt.Format("January 2, 2006"))
}
