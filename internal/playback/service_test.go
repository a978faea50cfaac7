package playback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/SystemVirtue/obie-v5-sub001/internal/events"
	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&models.Player{}, &models.PlayerStatus{}, &models.MediaItem{}, &models.QueueEntry{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return database
}

// seedPlayer creates a player whose priority marker is held by instanceID
// (pass "" for no holder), with an idle status row.
func seedPlayer(t *testing.T, database *gorm.DB, instanceID string) *models.Player {
	t.Helper()

	player := &models.Player{ID: uuid.New().String(), Name: "deck-" + uuid.New().String()[:8], APIKey: uuid.New().String()}
	if instanceID != "" {
		player.PriorityInstanceID = &instanceID
	}
	if err := database.Create(player).Error; err != nil {
		t.Fatalf("seed player: %v", err)
	}
	status := &models.PlayerStatus{PlayerID: player.ID, State: models.StateIdle, LastSeenAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if err := database.Create(status).Error; err != nil {
		t.Fatalf("seed status: %v", err)
	}
	return player
}

func seedEntry(t *testing.T, database *gorm.DB, playerID string, lane models.Lane, position int) *models.QueueEntry {
	t.Helper()

	media := &models.MediaItem{
		ID:         uuid.New().String(),
		SourceType: "youtube",
		SourceID:   uuid.New().String(),
		Title:      string(lane) + "-track",
	}
	if err := database.Create(media).Error; err != nil {
		t.Fatalf("seed media: %v", err)
	}
	entry := &models.QueueEntry{
		ID:          uuid.New().String(),
		PlayerID:    playerID,
		MediaItemID: media.ID,
		Lane:        lane,
		Position:    position,
		RequestedBy: "test",
		CreatedAt:   time.Now().UTC(),
	}
	if err := database.Create(entry).Error; err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	return entry
}

func TestAdvanceRejectsNonPriorityWithoutMutation(t *testing.T) {
	t.Parallel()

	database := openTestDB(t)
	player := seedPlayer(t, database, "holder")
	seedEntry(t, database, player.ID, models.LaneNormal, 1)
	svc := New(database, events.NewBus(), zerolog.Nop())

	var before models.PlayerStatus
	if err := database.First(&before, "player_id = ?", player.ID).Error; err != nil {
		t.Fatalf("load status: %v", err)
	}

	if _, err := svc.Advance(context.Background(), player.ID, "intruder", CauseEnded); !errors.Is(err, ErrNotPriorityPlayer) {
		t.Fatalf("advance error = %v, want ErrNotPriorityPlayer", err)
	}

	var after models.PlayerStatus
	if err := database.First(&after, "player_id = ?", player.ID).Error; err != nil {
		t.Fatalf("reload status: %v", err)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.State != before.State {
		t.Fatal("status row mutated by rejected advance")
	}

	var pending int64
	if err := database.Model(&models.QueueEntry{}).
		Where("player_id = ? AND consumed_at IS NULL", player.ID).
		Count(&pending).Error; err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 1 {
		t.Fatalf("pending = %d, want 1 (queue mutated by rejected advance)", pending)
	}
}

func TestAdvanceEmptyQueueParksIdle(t *testing.T) {
	t.Parallel()

	database := openTestDB(t)
	player := seedPlayer(t, database, "holder")
	svc := New(database, events.NewBus(), zerolog.Nop())

	entry, err := svc.Advance(context.Background(), player.ID, "holder", CauseEnded)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if entry != nil {
		t.Fatalf("entry = %+v, want nil on empty queue", entry)
	}

	var status models.PlayerStatus
	if err := database.First(&status, "player_id = ?", player.ID).Error; err != nil {
		t.Fatalf("load status: %v", err)
	}
	if status.State != models.StateIdle {
		t.Fatalf("state = %s, want idle", status.State)
	}
	if status.CurrentMediaID != nil {
		t.Fatalf("current media = %v, want nil", *status.CurrentMediaID)
	}
}

func TestAdvancePopsPriorityLaneFirst(t *testing.T) {
	t.Parallel()

	database := openTestDB(t)
	player := seedPlayer(t, database, "holder")
	seedEntry(t, database, player.ID, models.LaneNormal, 1)
	prio := seedEntry(t, database, player.ID, models.LanePriority, 1)
	svc := New(database, events.NewBus(), zerolog.Nop())

	entry, err := svc.Advance(context.Background(), player.ID, "holder", CauseEnded)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if entry == nil || entry.ID != prio.ID {
		t.Fatalf("advanced to %v, want priority entry %s", entry, prio.ID)
	}
	if entry.ConsumedAt == nil {
		t.Fatal("consumed timestamp not set on returned entry")
	}

	var stored models.QueueEntry
	if err := database.First(&stored, "id = ?", prio.ID).Error; err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	if stored.ConsumedAt == nil {
		t.Fatal("consumed timestamp not persisted")
	}

	var status models.PlayerStatus
	if err := database.First(&status, "player_id = ?", player.ID).Error; err != nil {
		t.Fatalf("load status: %v", err)
	}
	if status.State != models.StateLoading {
		t.Fatalf("state = %s, want loading", status.State)
	}
	if status.CurrentMediaID == nil || *status.CurrentMediaID != entry.MediaItemID {
		t.Fatal("status does not reference the newly loaded media")
	}
}

func TestRepeatedAdvanceWalksTheQueue(t *testing.T) {
	t.Parallel()

	database := openTestDB(t)
	player := seedPlayer(t, database, "holder")
	first := seedEntry(t, database, player.ID, models.LaneNormal, 1)
	second := seedEntry(t, database, player.ID, models.LaneNormal, 2)
	svc := New(database, events.NewBus(), zerolog.Nop())
	ctx := context.Background()

	got, err := svc.Advance(ctx, player.ID, "holder", CauseEnded)
	if err != nil || got == nil || got.ID != first.ID {
		t.Fatalf("first advance = %v, %v; want entry %s", got, err, first.ID)
	}
	got, err = svc.Advance(ctx, player.ID, "holder", CauseEnded)
	if err != nil || got == nil || got.ID != second.ID {
		t.Fatalf("second advance = %v, %v; want entry %s", got, err, second.ID)
	}
	got, err = svc.Advance(ctx, player.ID, "holder", CauseEnded)
	if err != nil || got != nil {
		t.Fatalf("third advance = %v, %v; want nil on drained queue", got, err)
	}
}

func TestSkipAdvanceRequiresIdlePlayer(t *testing.T) {
	t.Parallel()

	database := openTestDB(t)
	player := seedPlayer(t, database, "holder")
	seedEntry(t, database, player.ID, models.LaneNormal, 1)
	seedEntry(t, database, player.ID, models.LaneNormal, 2)
	svc := New(database, events.NewBus(), zerolog.Nop())
	ctx := context.Background()

	// Parked player: skip pops the first entry.
	got, err := svc.Advance(ctx, player.ID, "holder", CauseSkip)
	if err != nil || got == nil {
		t.Fatalf("skip from idle = %v, %v; want first entry", got, err)
	}

	// The advance left the status on loading; a further skip must wait
	// for the player to drain back to idle.
	if _, err := svc.Advance(ctx, player.ID, "holder", CauseSkip); !errors.Is(err, ErrSkipNotIdle) {
		t.Fatalf("skip while loading error = %v, want ErrSkipNotIdle", err)
	}

	var pending int64
	if err := database.Model(&models.QueueEntry{}).
		Where("player_id = ? AND consumed_at IS NULL", player.ID).
		Count(&pending).Error; err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 1 {
		t.Fatalf("pending = %d, want 1 (queue mutated by rejected skip)", pending)
	}

	if err := svc.ReportStatus(ctx, player.ID, models.StateIdle, 0, nil); err != nil {
		t.Fatalf("report idle: %v", err)
	}
	if _, err := svc.Advance(ctx, player.ID, "holder", CauseSkip); err != nil {
		t.Fatalf("skip after idle: %v", err)
	}
}

func TestAdvanceRejectsUnknownCause(t *testing.T) {
	t.Parallel()

	database := openTestDB(t)
	player := seedPlayer(t, database, "holder")
	svc := New(database, events.NewBus(), zerolog.Nop())

	if _, err := svc.Advance(context.Background(), player.ID, "holder", Cause("because")); !errors.Is(err, ErrInvalidCause) {
		t.Fatalf("error = %v, want ErrInvalidCause", err)
	}
}

func TestReportStatusValidatesAndUpdates(t *testing.T) {
	t.Parallel()

	database := openTestDB(t)
	player := seedPlayer(t, database, "")
	svc := New(database, events.NewBus(), zerolog.Nop())
	ctx := context.Background()

	if err := svc.ReportStatus(ctx, player.ID, models.PlayerState("warming"), 0, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("bad state error = %v, want ErrInvalidState", err)
	}
	if err := svc.ReportStatus(ctx, player.ID, models.StatePlaying, 1.2, nil); !errors.Is(err, ErrInvalidProgress) {
		t.Fatalf("bad progress error = %v, want ErrInvalidProgress", err)
	}
	if err := svc.ReportStatus(ctx, uuid.New().String(), models.StatePlaying, 0.5, nil); !errors.Is(err, ErrStatusNotFound) {
		t.Fatalf("missing row error = %v, want ErrStatusNotFound", err)
	}

	if err := svc.ReportStatus(ctx, player.ID, models.StatePlaying, 0.25, nil); err != nil {
		t.Fatalf("report: %v", err)
	}
	status, err := svc.Status(ctx, player.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != models.StatePlaying || status.Progress != 0.25 {
		t.Fatalf("status = %s/%.2f, want playing/0.25", status.State, status.Progress)
	}
}

func TestHeartbeatOnlyBumpsLiveness(t *testing.T) {
	t.Parallel()

	database := openTestDB(t)
	player := seedPlayer(t, database, "")
	svc := New(database, events.NewBus(), zerolog.Nop())
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Hour)
	if err := database.Model(&models.PlayerStatus{}).
		Where("player_id = ?", player.ID).
		Update("last_seen_at", stale).Error; err != nil {
		t.Fatalf("age status: %v", err)
	}

	if err := svc.Heartbeat(ctx, player.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	status, err := svc.Status(ctx, player.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.LastSeenAt.After(stale) {
		t.Fatal("heartbeat did not bump last_seen_at")
	}
	if status.State != models.StateIdle {
		t.Fatalf("heartbeat changed state to %s", status.State)
	}
}

func TestSweepStaleFlagsQuietPriorityHolders(t *testing.T) {
	t.Parallel()

	database := openTestDB(t)
	player := seedPlayer(t, database, "holder")
	if err := database.Model(&models.PlayerStatus{}).
		Where("player_id = ?", player.ID).
		Update("last_seen_at", time.Now().UTC().Add(-time.Hour)).Error; err != nil {
		t.Fatalf("age status: %v", err)
	}

	bus := events.NewBus()
	sub := bus.Subscribe(events.EventHeartbeatStale)
	svc := New(database, bus, zerolog.Nop())

	if err := svc.SweepStale(context.Background(), time.Minute); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	select {
	case payload := <-sub:
		if payload["player_id"] != player.ID {
			t.Fatalf("stale event for %v, want %s", payload["player_id"], player.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a stale heartbeat event")
	}
}
