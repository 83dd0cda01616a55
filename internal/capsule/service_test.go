package capsule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/capsulejournal/capsuled/internal/clock"
	"github.com/capsulejournal/capsuled/internal/config"
	"github.com/capsulejournal/capsuled/internal/models"
	"github.com/capsulejournal/capsuled/internal/vault"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to access sql.DB: %v", err)
	}
	// A single connection keeps every query on the same in-memory database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.User{}, &models.APIKey{}, &models.Capsule{}, &models.Conversation{}); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *clock.Fake, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	codec, err := vault.New(testKey)
	if err != nil {
		t.Fatalf("Failed to build codec: %v", err)
	}
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(db, codec, clk, config.CapsuleConfig{
		MinHold:       15 * time.Minute,
		MaxContentLen: 250,
	}, zap.NewNop().Sugar())
	return svc, clk, db
}

func createUser(t *testing.T, db *gorm.DB, username string) string {
	t.Helper()
	email := username + "@example.com"
	user := models.User{
		ID:       uuid.NewString(),
		Username: username,
		Email:    &email,
		Password: "x",
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	return user.ID
}

func TestCreateCapsuleValidation(t *testing.T) {
	svc, _, db := newTestService(t)
	owner := createUser(t, db, "alice")
	ctx := context.Background()

	if _, err := svc.CreateCapsule(ctx, owner, "too soon", 5*time.Minute, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Short hold should fail InvalidArgument, got %v", err)
	}

	long := make([]rune, 251)
	for i := range long {
		long[i] = '語'
	}
	if _, err := svc.CreateCapsule(ctx, owner, string(long), time.Hour, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Oversized content should fail InvalidArgument, got %v", err)
	}

	bad := "not-a-uuid"
	if _, err := svc.CreateCapsule(ctx, owner, "hi", time.Hour, &bad); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Malformed reply id should fail InvalidArgument, got %v", err)
	}
}

func TestSealedThenReleased(t *testing.T) {
	svc, clk, db := newTestService(t)
	owner := createUser(t, db, "alice")
	ctx := context.Background()

	receipt, err := svc.CreateCapsule(ctx, owner, "dear future me", 15*time.Minute, nil)
	if err != nil {
		t.Fatalf("CreateCapsule failed: %v", err)
	}

	if _, err := svc.GetCapsule(ctx, owner, receipt.ID); !errors.Is(err, ErrStillSealed) {
		t.Errorf("Immediate read should fail StillSealed, got %v", err)
	}

	clk.Advance(15 * time.Minute)

	view, err := svc.GetCapsule(ctx, owner, receipt.ID)
	if err != nil {
		t.Fatalf("Read after release failed: %v", err)
	}
	if view.Content != "dear future me" {
		t.Errorf("Content mismatch: got %q", view.Content)
	}

	// Stored form must stay encrypted
	var raw models.Capsule
	if err := db.First(&raw, "id = ?", receipt.ID).Error; err != nil {
		t.Fatalf("Load raw capsule: %v", err)
	}
	if raw.Content == "dear future me" {
		t.Error("Capsule content stored in clear")
	}
}

func TestGetCapsuleNotFoundAndForbidden(t *testing.T) {
	svc, clk, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")
	ctx := context.Background()

	if _, err := svc.GetCapsule(ctx, alice, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Missing capsule should fail NotFound, got %v", err)
	}

	receipt, err := svc.CreateCapsule(ctx, alice, "mine", time.Hour, nil)
	if err != nil {
		t.Fatalf("CreateCapsule failed: %v", err)
	}
	clk.Advance(2 * time.Hour)

	if _, err := svc.GetCapsule(ctx, bob, receipt.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("Foreign capsule should fail Forbidden, got %v", err)
	}
}

func TestListCapsulesExcludesSealed(t *testing.T) {
	svc, clk, db := newTestService(t)
	owner := createUser(t, db, "alice")
	ctx := context.Background()

	first, _ := svc.CreateCapsule(ctx, owner, "first", 15*time.Minute, nil)
	clk.Advance(10 * time.Minute)
	second, _ := svc.CreateCapsule(ctx, owner, "second", 15*time.Minute, nil)
	_, _ = svc.CreateCapsule(ctx, owner, "sealed forever", 24*time.Hour, nil)

	clk.Advance(20 * time.Minute) // first and second released, third still sealed

	views, err := svc.ListCapsules(ctx, owner)
	if err != nil {
		t.Fatalf("ListCapsules failed: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("Expected 2 released capsules, got %d", len(views))
	}
	// Newest release first
	if views[0].ID != second.ID || views[1].ID != first.ID {
		t.Errorf("Wrong order: got [%s %s], want [%s %s]", views[0].ID, views[1].ID, second.ID, first.ID)
	}
	if views[0].Content != "second" {
		t.Errorf("Content not decrypted for list view: %q", views[0].Content)
	}
}

func TestReplyOwnershipAndSealing(t *testing.T) {
	svc, clk, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")
	ctx := context.Background()

	receipt, err := svc.CreateCapsule(ctx, alice, "root", 15*time.Minute, nil)
	if err != nil {
		t.Fatalf("CreateCapsule failed: %v", err)
	}

	// Foreign capsule is Forbidden regardless of seal state
	if _, err := svc.CreateCapsule(ctx, bob, "intruder", time.Hour, &receipt.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("Reply to foreign sealed capsule should fail Forbidden, got %v", err)
	}
	clk.Advance(time.Hour)
	if _, err := svc.CreateCapsule(ctx, bob, "intruder", time.Hour, &receipt.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("Reply to foreign released capsule should fail Forbidden, got %v", err)
	}

	// Own sealed capsule is StillSealed
	sealed, _ := svc.CreateCapsule(ctx, alice, "sealed", time.Hour, nil)
	if _, err := svc.CreateCapsule(ctx, alice, "too eager", time.Hour, &sealed.ID); !errors.Is(err, ErrStillSealed) {
		t.Errorf("Reply to own sealed capsule should fail StillSealed, got %v", err)
	}

	// Missing capsule is NotFound
	missing := uuid.NewString()
	if _, err := svc.CreateCapsule(ctx, alice, "ghost", time.Hour, &missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("Reply to missing capsule should fail NotFound, got %v", err)
	}
}

func TestReplyCreatesAndAdvancesConversation(t *testing.T) {
	svc, clk, db := newTestService(t)
	owner := createUser(t, db, "alice")
	ctx := context.Background()

	c1, err := svc.CreateCapsule(ctx, owner, "c1", 15*time.Minute, nil)
	if err != nil {
		t.Fatalf("Create c1: %v", err)
	}
	clk.Advance(15 * time.Minute)

	c2, err := svc.CreateCapsule(ctx, owner, "c2", 15*time.Minute, &c1.ID)
	if err != nil {
		t.Fatalf("Create c2: %v", err)
	}
	if c2.ConversationID == nil {
		t.Fatal("Reply should carry a conversation id")
	}

	var conv models.Conversation
	if err := db.First(&conv, "id = ?", *c2.ConversationID).Error; err != nil {
		t.Fatalf("Conversation missing: %v", err)
	}
	if conv.LatestCapsuleID != c2.ID {
		t.Errorf("latest_capsule_id = %s, want %s", conv.LatestCapsuleID, c2.ID)
	}

	// The replied-to capsule retroactively joins the thread
	var rootRow models.Capsule
	if err := db.First(&rootRow, "id = ?", c1.ID).Error; err != nil {
		t.Fatalf("Load root: %v", err)
	}
	if rootRow.ConversationID == nil || *rootRow.ConversationID != conv.ID {
		t.Error("Root capsule did not join the conversation")
	}

	// Replying to c2 before its release fails even though c1 and the
	// conversation exist
	if _, err := svc.CreateCapsule(ctx, owner, "c3", time.Hour, &c2.ID); !errors.Is(err, ErrStillSealed) {
		t.Errorf("Reply to sealed latest should fail StillSealed, got %v", err)
	}

	// After release the chain extends and the pointer advances
	clk.Advance(15 * time.Minute)
	c3, err := svc.CreateCapsule(ctx, owner, "c3", time.Hour, &c2.ID)
	if err != nil {
		t.Fatalf("Create c3: %v", err)
	}
	if err := db.First(&conv, "id = ?", conv.ID).Error; err != nil {
		t.Fatalf("Reload conversation: %v", err)
	}
	if conv.LatestCapsuleID != c3.ID {
		t.Errorf("latest_capsule_id = %s, want %s", conv.LatestCapsuleID, c3.ID)
	}
}

func TestCompetingRepliesSingleWinner(t *testing.T) {
	svc, clk, db := newTestService(t)
	owner := createUser(t, db, "alice")
	ctx := context.Background()

	root, _ := svc.CreateCapsule(ctx, owner, "root", 15*time.Minute, nil)
	clk.Advance(15 * time.Minute)

	winner, err := svc.CreateCapsule(ctx, owner, "winner", time.Hour, &root.ID)
	if err != nil {
		t.Fatalf("First reply failed: %v", err)
	}

	// A second reply raced against the first and targets the same parent; it
	// must lose, not fork the chain.
	if _, err := svc.CreateCapsule(ctx, owner, "loser", time.Hour, &root.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("Competing reply should fail Conflict, got %v", err)
	}

	// The chain walked from latest is a single unbranched path
	var conv models.Conversation
	if err := db.First(&conv, "user_id = ?", owner).Error; err != nil {
		t.Fatalf("Load conversation: %v", err)
	}
	if conv.LatestCapsuleID != winner.ID {
		t.Errorf("latest_capsule_id = %s, want %s", conv.LatestCapsuleID, winner.ID)
	}
	chain, err := svc.walkChain(ctx, conv.LatestCapsuleID)
	if err != nil {
		t.Fatalf("walkChain failed: %v", err)
	}
	if len(chain) != 2 || chain[0].ID != winner.ID || chain[1].ID != root.ID {
		t.Errorf("Chain is not the single path [winner root]")
	}
}

func TestGuardedAdvanceLosesAgainstStalePointer(t *testing.T) {
	svc, clk, db := newTestService(t)
	owner := createUser(t, db, "alice")
	ctx := context.Background()

	root, _ := svc.CreateCapsule(ctx, owner, "root", 15*time.Minute, nil)
	clk.Advance(15 * time.Minute)
	reply, err := svc.CreateCapsule(ctx, owner, "reply", time.Hour, &root.ID)
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}

	// Replay the advance with the already-stale old pointer, as a worker that
	// lost the race would.
	res := db.Model(&models.Conversation{}).
		Where("id = ? AND latest_capsule_id = ?", *reply.ConversationID, root.ID).
		Update("latest_capsule_id", uuid.NewString())
	if res.Error != nil {
		t.Fatalf("Guarded update errored: %v", res.Error)
	}
	if res.RowsAffected != 0 {
		t.Error("Stale advance should affect zero rows")
	}
}

func TestThreadWithholdingPolicy(t *testing.T) {
	svc, clk, db := newTestService(t)
	owner := createUser(t, db, "alice")
	ctx := context.Background()

	c1, _ := svc.CreateCapsule(ctx, owner, "oldest", 15*time.Minute, nil)
	clk.Advance(15 * time.Minute)
	c2, err := svc.CreateCapsule(ctx, owner, "newest", time.Hour, &c1.ID)
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	convID := *c2.ConversationID

	// Latest still sealed: unseen view withholds it, full view does not
	thread, err := svc.GetConversationThread(ctx, owner, convID, ViewUnseen)
	if err != nil {
		t.Fatalf("GetConversationThread failed: %v", err)
	}
	if thread.ReplyAllowed {
		t.Error("ReplyAllowed should be false while the latest capsule is sealed")
	}
	if len(thread.Capsules) != 1 || thread.Capsules[0].ID != c1.ID {
		t.Errorf("Unseen view should start at the second element, got %d capsules", len(thread.Capsules))
	}

	full, err := svc.GetConversationThread(ctx, owner, convID, ViewFull)
	if err != nil {
		t.Fatalf("Full view failed: %v", err)
	}
	if len(full.Capsules) != 2 || full.Capsules[0].ID != c2.ID || full.Capsules[1].ID != c1.ID {
		t.Error("Full view should contain the whole chain newest first")
	}
	if full.Capsules[0].Content != "newest" || full.Capsules[1].Content != "oldest" {
		t.Error("Thread content not decrypted")
	}

	// After release the unseen view shows everything
	clk.Advance(time.Hour)
	thread, err = svc.GetConversationThread(ctx, owner, convID, ViewUnseen)
	if err != nil {
		t.Fatalf("GetConversationThread failed: %v", err)
	}
	if !thread.ReplyAllowed {
		t.Error("ReplyAllowed should be true after the latest capsule releases")
	}
	if len(thread.Capsules) != 2 {
		t.Errorf("Expected full chain after release, got %d capsules", len(thread.Capsules))
	}
}

func TestThreadAccessControl(t *testing.T) {
	svc, clk, db := newTestService(t)
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")
	ctx := context.Background()

	c1, _ := svc.CreateCapsule(ctx, alice, "c1", 15*time.Minute, nil)
	clk.Advance(15 * time.Minute)
	c2, _ := svc.CreateCapsule(ctx, alice, "c2", time.Hour, &c1.ID)

	if _, err := svc.GetConversationThread(ctx, bob, *c2.ConversationID, ViewFull); !errors.Is(err, ErrForbidden) {
		t.Errorf("Foreign conversation should fail Forbidden, got %v", err)
	}
	if _, err := svc.GetConversationThread(ctx, alice, uuid.NewString(), ViewFull); !errors.Is(err, ErrNotFound) {
		t.Errorf("Missing conversation should fail NotFound, got %v", err)
	}
}

func TestThreadCycleGuard(t *testing.T) {
	svc, clk, db := newTestService(t)
	owner := createUser(t, db, "alice")
	ctx := context.Background()

	c1, _ := svc.CreateCapsule(ctx, owner, "c1", 15*time.Minute, nil)
	clk.Advance(15 * time.Minute)
	c2, _ := svc.CreateCapsule(ctx, owner, "c2", time.Hour, &c1.ID)

	// Corrupt the chain into a cycle; traversal must refuse, not spin.
	if err := db.Model(&models.Capsule{}).Where("id = ?", c1.ID).
		Update("replying_to_id", c2.ID).Error; err != nil {
		t.Fatalf("Corrupt chain: %v", err)
	}

	if _, err := svc.GetConversationThread(ctx, owner, *c2.ConversationID, ViewFull); !errors.Is(err, ErrConflict) {
		t.Errorf("Cyclic chain should fail Conflict, got %v", err)
	}
}

func TestListConversations(t *testing.T) {
	svc, clk, db := newTestService(t)
	owner := createUser(t, db, "alice")
	ctx := context.Background()

	// Conversation 1: latest sealed, so its predecessor is displayed
	a1, _ := svc.CreateCapsule(ctx, owner, "a1", 15*time.Minute, nil)
	clk.Advance(15 * time.Minute)
	a2, err := svc.CreateCapsule(ctx, owner, "a2", 24*time.Hour, &a1.ID)
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}

	// Conversation 2: fully released
	b1, _ := svc.CreateCapsule(ctx, owner, "b1", 15*time.Minute, nil)
	clk.Advance(15 * time.Minute)
	b2, err := svc.CreateCapsule(ctx, owner, "b2", 15*time.Minute, &b1.ID)
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	clk.Advance(15 * time.Minute)

	views, err := svc.ListConversations(ctx, owner)
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("Expected 2 conversations, got %d", len(views))
	}

	// a2 releases in a day, b2 already released: conversation A sorts first
	if views[0].ID != *a2.ConversationID || views[1].ID != *b2.ConversationID {
		t.Error("Conversations not ordered by latest release descending")
	}
	if views[0].ReplyAllowed {
		t.Error("Conversation with sealed latest should not allow replies")
	}
	if views[0].Displayed.Content != "a1" {
		t.Errorf("Sealed latest should display its predecessor, got %q", views[0].Displayed.Content)
	}
	if !views[1].ReplyAllowed || views[1].Displayed.Content != "b2" {
		t.Errorf("Released conversation should display its latest, got %q", views[1].Displayed.Content)
	}
}

func TestDeliveryChain(t *testing.T) {
	svc, clk, db := newTestService(t)
	owner := createUser(t, db, "alice")
	ctx := context.Background()

	c1, _ := svc.CreateCapsule(ctx, owner, "c1", 15*time.Minute, nil)
	clk.Advance(15 * time.Minute)
	c2, _ := svc.CreateCapsule(ctx, owner, "c2", 15*time.Minute, &c1.ID)
	clk.Advance(15 * time.Minute)
	c3, _ := svc.CreateCapsule(ctx, owner, "c3", time.Hour, &c2.ID)

	chain, err := svc.DeliveryChain(ctx, *c3.ConversationID)
	if err != nil {
		t.Fatalf("DeliveryChain failed: %v", err)
	}
	if len(chain) != 3 || chain[0].ID != c3.ID || chain[1].ID != c2.ID || chain[2].ID != c1.ID {
		t.Error("Delivery chain should be the full path newest first")
	}
	if chain[2].Content != "c1" {
		t.Error("Delivery chain content not decrypted")
	}
}
