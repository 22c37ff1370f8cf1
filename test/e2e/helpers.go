package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/citytailor/internal/api"
	"github.com/hyperengineering/citytailor/internal/kv"
	"github.com/hyperengineering/citytailor/internal/learning"
	"github.com/hyperengineering/citytailor/internal/rules"
	"github.com/hyperengineering/citytailor/internal/score"
	"github.com/hyperengineering/citytailor/internal/types"

	_ "modernc.org/sqlite"
)

const testAPIKey = "e2e-test-api-key"

// fixedContext pins the snapshot so learned rules always match at scoring time.
type fixedContext struct{}

func (fixedContext) Snapshot() types.ContextSnapshot {
	return types.ContextSnapshot{
		TimeOfDay: types.Morning,
		Season:    types.Spring,
		Hour:      10,
		DayOfWeek: "Tuesday",
	}
}

// --- In-process Server Environment ---

// serverEnv wires the full stack over a SQLite file the way the serve command does.
type serverEnv struct {
	dbPath string
	guard  *kv.Guard
	engine *learning.Engine
	server *httptest.Server
}

func startServerEnv(t *testing.T, dbPath string) *serverEnv {
	t.Helper()
	if dbPath == "" {
		dbPath = filepath.Join(t.TempDir(), "citytailor.db")
	}

	backend, err := kv.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	guard := kv.NewGuard(backend, kv.GuardConfig{Timeout: time.Second})

	store, err := rules.NewStore(guard, rules.Config{RetryBackoff: time.Millisecond})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	engine := learning.NewEngine(store, fixedContext{}, score.New(score.DefaultConfig()),
		learning.Config{BatchInterval: time.Hour})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	env := &serverEnv{
		dbPath: dbPath,
		guard:  guard,
		engine: engine,
		server: httptest.NewServer(api.NewRouter(api.NewHandler(engine, guard, testAPIKey, "e2e"))),
	}
	t.Cleanup(env.stop)
	return env
}

// stop shuts the stack down in serve order: HTTP, engine drain, store. Safe to call twice.
func (e *serverEnv) stop() {
	if e.server == nil {
		return
	}
	e.server.Close()
	e.server = nil
	_ = e.engine.Stop(context.Background())
	_ = e.guard.Close()
}

// restart stops the environment and starts a fresh one on the same database.
func (e *serverEnv) restart(t *testing.T) *serverEnv {
	t.Helper()
	e.stop()
	return startServerEnv(t, e.dbPath)
}

// do sends an authenticated request with the given identity headers.
func (e *serverEnv) do(t *testing.T, method, path string, body any, userID, sessionID string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(api.HeaderUserID, userID)
	}
	if sessionID != "" {
		req.Header.Set(api.HeaderSessionID, sessionID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func (e *serverEnv) submit(t *testing.T, eventType types.EventType, payload any, userID, sessionID string) int {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/v1/events",
		map[string]any{"type": eventType, "payload": payload}, userID, sessionID)
	if status != http.StatusOK && status != http.StatusAccepted {
		t.Fatalf("submit %s: status %d: %s", eventType, status, body)
	}
	return status
}

func (e *serverEnv) rules(t *testing.T, userID string) []types.AdaptationRule {
	t.Helper()
	status, body := e.do(t, http.MethodGet, "/api/v1/rules/"+userID, nil, "", "")
	if status != http.StatusOK {
		t.Fatalf("list rules: status %d: %s", status, body)
	}
	var resp api.RulesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode rules: %v", err)
	}
	return resp.Rules
}

type recommendationsBody struct {
	Recommendations []types.RankedRecommendation `json:"recommendations"`
	Discovery       []types.RankedRecommendation `json:"discovery"`
	Context         types.ContextSnapshot        `json:"context"`
}

func (e *serverEnv) recommend(t *testing.T, req api.RecommendationsRequest, userID string) recommendationsBody {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/v1/recommendations", req, userID, "")
	if status != http.StatusOK {
		t.Fatalf("recommendations: status %d: %s", status, body)
	}
	var resp recommendationsBody
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode recommendations: %v", err)
	}
	return resp
}

// --- DB Inspection ---

// persistedRuleDocs counts rule documents in the KV table of the database at path.
func persistedRuleDocs(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM kv_entries WHERE key LIKE 'rules/%'").Scan(&count); err != nil {
		t.Fatalf("count kv_entries: %v", err)
	}
	return count
}

// cityCandidates is a small candidate set spanning every activity category.
func cityCandidates() []types.CandidatePlace {
	return []types.CandidatePlace{
		{Name: "Louvre", Category: "Cultural", MinimumDuration: types.DurationLong},
		{Name: "Jardin du Luxembourg", Category: "Outdoor", MinimumDuration: types.DurationShort},
		{Name: "Hammam Pacha", Category: "Relaxation", MinimumDuration: "2-4h"},
		{Name: "Marché des Enfants Rouges", Category: "Gastronomy", MinimumDuration: types.DurationShort},
		{Name: "Musée d'Orsay", Category: "Cultural", MinimumDuration: "2-4h"},
		{Name: "Canal Saint-Martin", Category: "Outdoor", MinimumDuration: types.DurationShort},
	}
}
