package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/SystemVirtue/obie-v5-sub001/internal/auth"
	"github.com/SystemVirtue/obie-v5-sub001/internal/catalog"
	"github.com/SystemVirtue/obie-v5-sub001/internal/election"
	"github.com/SystemVirtue/obie-v5-sub001/internal/eventbus"
	"github.com/SystemVirtue/obie-v5-sub001/internal/kiosk"
	"github.com/SystemVirtue/obie-v5-sub001/internal/models"
	"github.com/SystemVirtue/obie-v5-sub001/internal/nowplaying"
	"github.com/SystemVirtue/obie-v5-sub001/internal/playback"
	"github.com/SystemVirtue/obie-v5-sub001/internal/queue"
	"github.com/SystemVirtue/obie-v5-sub001/internal/reconcile"
)

type testEnv struct {
	db     *gorm.DB
	router *chi.Mux
	bus    eventbus.Bus
	np     *nowplaying.Service
	player *models.Player
	media  *models.MediaItem
	secret []byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.New().String())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = database.AutoMigrate(
		&models.User{}, &models.Player{}, &models.MediaItem{},
		&models.QueueEntry{}, &models.PlayerStatus{}, &models.KioskSession{},
	)
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	logger := zerolog.Nop()
	bus := eventbus.NewMemoryBus()
	np := nowplaying.New(database, bus, logger, reconcile.WithInterval(10*time.Millisecond))
	t.Cleanup(np.Close)

	secret := []byte("test-secret-test-secret")
	a := New(
		database, secret,
		queue.New(database, logger),
		election.New(database, bus, logger),
		playback.New(database, bus, logger),
		kiosk.New(database, kiosk.Policy{CreditCost: 1}, logger),
		catalog.New(database, nil, logger),
		np,
		bus,
		logger,
	)
	router := chi.NewRouter()
	a.Routes(router)

	player := &models.Player{ID: uuid.New().String(), Name: "bar", APIKey: "player-key"}
	if err := database.Create(player).Error; err != nil {
		t.Fatalf("seed player: %v", err)
	}
	status := &models.PlayerStatus{PlayerID: player.ID, State: models.StateIdle, UpdatedAt: time.Now().UTC()}
	if err := database.Create(status).Error; err != nil {
		t.Fatalf("seed status: %v", err)
	}
	media := &models.MediaItem{ID: uuid.New().String(), SourceType: "youtube", SourceID: "vid", Title: "Song"}
	if err := database.Create(media).Error; err != nil {
		t.Fatalf("seed media: %v", err)
	}

	return &testEnv{db: database, router: router, bus: bus, np: np, player: player, media: media, secret: secret}
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	token, err := auth.Issue(e.secret, auth.Claims{UserID: "u1", Role: "admin"}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path string, body any, setup func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func asAdmin(t *testing.T, e *testEnv) func(*http.Request) {
	token := e.adminToken(t)
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func asPlayer(r *http.Request) { r.Header.Set("X-API-Key", "player-key") }

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthIsPublic(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestQueueRequiresAuth(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/players/"+e.player.ID+"/queue", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAdminEnqueueAndRead(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	admin := asAdmin(t, e)

	rec := e.do(t, http.MethodPost, "/api/v1/players/"+e.player.ID+"/queue",
		map[string]string{"media_id": e.media.ID, "lane": "normal"}, admin)
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d: %s", rec.Code, rec.Body.String())
	}
	entry := decode[models.QueueEntry](t, rec)
	if entry.Lane != models.LaneNormal || entry.Position != 1 {
		t.Fatalf("entry = %+v", entry)
	}

	rec = e.do(t, http.MethodGet, "/api/v1/players/"+e.player.ID+"/queue", nil, admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	list := decode[map[string][]models.QueueEntry](t, rec)
	if len(list["entries"]) != 1 {
		t.Fatalf("entries = %d, want 1", len(list["entries"]))
	}
}

func TestAdminMutationsForbiddenForPlayerKey(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/players/"+e.player.ID+"/queue",
		map[string]string{"media_id": e.media.ID, "lane": "normal"}, asPlayer)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestEnqueueUnknownMediaIsUnprocessable(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/players/"+e.player.ID+"/queue",
		map[string]string{"media_id": uuid.New().String(), "lane": "normal"}, asAdmin(t, e))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
}

func TestRegisterAdvanceFlow(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	admin := asAdmin(t, e)

	// Seed two entries via console.
	for i := 0; i < 2; i++ {
		rec := e.do(t, http.MethodPost, "/api/v1/players/"+e.player.ID+"/queue",
			map[string]string{"media_id": e.media.ID, "lane": "normal"}, admin)
		if rec.Code != http.StatusCreated {
			t.Fatalf("seed enqueue: %d", rec.Code)
		}
	}

	rec := e.do(t, http.MethodPost, "/api/v1/players/"+e.player.ID+"/register",
		map[string]string{"instance_id": "inst-a"}, asPlayer)
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d: %s", rec.Code, rec.Body.String())
	}
	if out := decode[map[string]string](t, rec); out["outcome"] != "elected" {
		t.Fatalf("outcome = %q", out["outcome"])
	}

	// A different instance advancing is rejected.
	rec = e.do(t, http.MethodPost, "/api/v1/players/"+e.player.ID+"/advance",
		map[string]string{"instance_id": "inst-b", "cause": "ended"}, asPlayer)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign advance = %d, want 403", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/players/"+e.player.ID+"/advance",
		map[string]string{"instance_id": "inst-a", "cause": "ended"}, asPlayer)
	if rec.Code != http.StatusOK {
		t.Fatalf("advance = %d: %s", rec.Code, rec.Body.String())
	}
	out := decode[map[string]*models.QueueEntry](t, rec)
	if out["entry"] == nil || out["entry"].Position != 1 {
		t.Fatalf("entry = %+v", out["entry"])
	}

	// Drain the queue; the final advance returns a null entry.
	e.do(t, http.MethodPost, "/api/v1/players/"+e.player.ID+"/advance",
		map[string]string{"instance_id": "inst-a", "cause": "ended"}, asPlayer)
	rec = e.do(t, http.MethodPost, "/api/v1/players/"+e.player.ID+"/advance",
		map[string]string{"instance_id": "inst-a", "cause": "ended"}, asPlayer)
	if rec.Code != http.StatusOK {
		t.Fatalf("empty advance = %d", rec.Code)
	}
	if out := decode[map[string]*models.QueueEntry](t, rec); out["entry"] != nil {
		t.Fatalf("entry = %+v, want null", out["entry"])
	}
}

func TestKioskSessionFlow(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/sessions/",
		map[string]string{}, asPlayer)
	if rec.Code != http.StatusCreated {
		t.Fatalf("session start = %d: %s", rec.Code, rec.Body.String())
	}
	session := decode[models.KioskSession](t, rec)
	if session.PlayerID != e.player.ID {
		t.Fatalf("session player = %s", session.PlayerID)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/credits",
		map[string]int{"amount": 1}, asPlayer)
	if rec.Code != http.StatusOK {
		t.Fatalf("add credit = %d", rec.Code)
	}
	if out := decode[map[string]int](t, rec); out["balance"] != 1 {
		t.Fatalf("balance = %d", out["balance"])
	}

	rec = e.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/requests",
		map[string]string{"media_id": e.media.ID}, asPlayer)
	if rec.Code != http.StatusCreated {
		t.Fatalf("request = %d: %s", rec.Code, rec.Body.String())
	}
	entry := decode[models.QueueEntry](t, rec)
	if entry.Lane != models.LanePriority {
		t.Fatalf("lane = %s, want priority", entry.Lane)
	}

	// Credits exhausted.
	rec = e.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/requests",
		map[string]string{"media_id": e.media.ID}, asPlayer)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("exhausted request = %d, want 402: %s", rec.Code, rec.Body.String())
	}
	if out := decode[map[string]string](t, rec); out["error"] != "insufficient_credits" {
		t.Fatalf("error = %q", out["error"])
	}
}

func TestLogin(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	hash, err := auth.HashPassword("hunter2!")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	user := &models.User{ID: uuid.New().String(), Email: "admin@example.com", Password: hash, Role: models.RoleAdmin}
	if err := e.db.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	rec := e.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"email": "admin@example.com", "password": "hunter2!"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d: %s", rec.Code, rec.Body.String())
	}
	out := decode[map[string]string](t, rec)
	claims, err := auth.Parse(e.secret, out["token"])
	if err != nil {
		t.Fatalf("parse issued token: %v", err)
	}
	if claims.Role != "admin" {
		t.Fatalf("role = %q", claims.Role)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"email": "admin@example.com", "password": "wrong"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login = %d, want 401", rec.Code)
	}
}

func TestNowPlayingEndpoint(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	if err := e.np.Refetch(context.Background()); err != nil {
		t.Fatalf("refetch: %v", err)
	}

	rec := e.do(t, http.MethodGet, "/api/v1/players/"+e.player.ID+"/now-playing", nil, asPlayer)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	snap := decode[nowplaying.Snapshot](t, rec)
	if snap.State != models.StateIdle || snap.PlayerID != e.player.ID {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPlayerKeyCannotActOnOtherPlayer(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	other := &models.Player{ID: uuid.New().String(), Name: "other", APIKey: "other-key"}
	if err := e.db.Create(other).Error; err != nil {
		t.Fatalf("seed other: %v", err)
	}

	rec := e.do(t, http.MethodPost, "/api/v1/players/"+other.ID+"/register",
		map[string]string{"instance_id": "inst-x"}, asPlayer)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestSessionOperationsBoundToOwningPlayer(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	other := &models.Player{ID: uuid.New().String(), Name: "other", APIKey: "other-key"}
	if err := e.db.Create(other).Error; err != nil {
		t.Fatalf("seed other: %v", err)
	}
	asOther := func(r *http.Request) { r.Header.Set("X-API-Key", "other-key") }

	rec := e.do(t, http.MethodPost, "/api/v1/sessions/", map[string]string{}, asPlayer)
	if rec.Code != http.StatusCreated {
		t.Fatalf("session start = %d: %s", rec.Code, rec.Body.String())
	}
	session := decode[models.KioskSession](t, rec)

	rec = e.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/credits",
		map[string]int{"amount": 2}, asPlayer)
	if rec.Code != http.StatusOK {
		t.Fatalf("add credit = %d", rec.Code)
	}

	// Another player's key must not touch this session.
	rec = e.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/credits",
		map[string]int{"amount": 5}, asOther)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign add credit = %d, want 403: %s", rec.Code, rec.Body.String())
	}
	rec = e.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/requests",
		map[string]string{"media_id": e.media.ID}, asOther)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign request = %d, want 403: %s", rec.Code, rec.Body.String())
	}
	rec = e.do(t, http.MethodGet, "/api/v1/sessions/"+session.ID, nil, asOther)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign balance = %d, want 403: %s", rec.Code, rec.Body.String())
	}
	if out := decode[map[string]string](t, rec); out["error"] != "player_mismatch" {
		t.Fatalf("error = %q", out["error"])
	}

	// Nothing spent, nothing enqueued.
	rec = e.do(t, http.MethodGet, "/api/v1/sessions/"+session.ID, nil, asPlayer)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance = %d", rec.Code)
	}
	if out := decode[map[string]int](t, rec); out["balance"] != 2 {
		t.Fatalf("balance = %d, want 2", out["balance"])
	}
	var entries int64
	if err := e.db.Model(&models.QueueEntry{}).Count(&entries).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if entries != 0 {
		t.Fatalf("entries = %d, want 0", entries)
	}
}

func TestParseEventTypes(t *testing.T) {
	t.Parallel()

	types := parseEventTypes("change.queue_entries, priority.elected,bogus")
	if len(types) != 2 {
		t.Fatalf("types = %v", types)
	}
}
