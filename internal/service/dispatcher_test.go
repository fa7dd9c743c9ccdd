package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"taiga-bridge/internal/config"
	"taiga-bridge/internal/domain"
	"taiga-bridge/internal/repository"
	"taiga-bridge/internal/session"
	"taiga-bridge/internal/taiga"
)

// fakeTaiga es un upstream en memoria con control de version optimista para user stories.
type fakeTaiga struct {
	mu       sync.Mutex
	stories  map[int64]map[string]any
	nextID   int64
	patches  []map[string]any
	queries  []string
	meStatus int
	// staleReads simula un escritor concurrente: cada GET de un item sube la version despues de responder.
	staleReads bool

	calls atomic.Int64
	srv   *httptest.Server
}

func newFakeTaiga(t *testing.T) *fakeTaiga {
	t.Helper()
	f := &fakeTaiga{stories: map[int64]map[string]any{}, nextID: 10, meStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth", f.auth)
	mux.HandleFunc("GET /api/v1/users/me", f.counted(f.me))
	mux.HandleFunc("GET /api/v1/projects", f.counted(f.projects))
	mux.HandleFunc("GET /api/v1/userstories", f.counted(f.listStories))
	mux.HandleFunc("POST /api/v1/userstories", f.counted(f.createStory))
	mux.HandleFunc("GET /api/v1/userstories/by_ref", f.counted(f.storyByRef))
	mux.HandleFunc("/api/v1/userstories/{id}", f.counted(f.story))
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTaiga) counted(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeTaiga) auth(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body["username"] != "alice" || body["password"] != "pw" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "No active account found with the given credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": 7, "username": "alice", "auth_token": "tok"})
}

func (f *fakeTaiga) me(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	status := f.meStatus
	f.mu.Unlock()
	if status != http.StatusOK {
		writeJSON(w, status, map[string]string{"detail": "Invalid token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": 7, "username": "alice"})
}

func (f *fakeTaiga) projects(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.queries = append(f.queries, r.URL.RawQuery)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, []map[string]any{
		{"id": 7, "name": "Bridge", "slug": "bridge", "description": "d", "total_activity": 42},
	})
}

func (f *fakeTaiga) listStories(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, r.URL.RawQuery)
	out := make([]map[string]any, 0, len(f.stories))
	for _, s := range f.stories {
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeTaiga) createStory(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	story := map[string]any{"id": id, "ref": len(f.stories) + 1, "status": 1, "version": 1, "watchers": []int{}}
	for k, v := range body {
		story[k] = v
	}
	f.stories[id] = story
	writeJSON(w, http.StatusCreated, story)
}

func (f *fakeTaiga) storyByRef(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.stories {
		if strconv.Itoa(toInt(s["ref"])) == r.URL.Query().Get("ref") {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"_error_message": "No UserStory matches the given query."})
}

func (f *fakeTaiga) story(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	f.mu.Lock()
	defer f.mu.Unlock()
	story, ok := f.stories[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"_error_message": "No UserStory matches the given query."})
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, story)
		if f.staleReads {
			story["version"] = toInt(story["version"]) + 1
		}
	case http.MethodPatch:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.patches = append(f.patches, body)
		if toInt(body["version"]) != toInt(story["version"]) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"version": "The version doesn't match with the current one"})
			return
		}
		for k, v := range body {
			if k != "version" {
				story[k] = v
			}
		}
		story["version"] = toInt(story["version"]) + 1
		writeJSON(w, http.StatusOK, story)
	case http.MethodDelete:
		delete(f.stories, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

type harness struct {
	dispatcher *Dispatcher
	audit      *repository.MemoryAuditRepository
	upstream   *fakeTaiga
	logs       *observer.ObservedLogs
}

// newHarness arma el stack completo contra un upstream falso; vaultFor recibe la URL del upstream.
func newHarness(t *testing.T, vaultFor func(url string) *config.Vault) *harness {
	t.Helper()
	upstream := newFakeTaiga(t)
	var vault *config.Vault
	if vaultFor != nil {
		vault = vaultFor(upstream.srv.URL)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	hosts := taiga.NewHosts(taiga.HostOptions{
		RequestTimeout: 2 * time.Second,
		MaxConnections: 4,
		MaxIdle:        2,
		RateLimit:      1000,
		Retry: taiga.RetryConfig{
			MaxAttempts:        2,
			InitialInterval:    time.Millisecond,
			MaxInterval:        2 * time.Millisecond,
			RetryNonIdempotent: true,
		},
	}, logger)
	store := session.NewStore(time.Hour, logger)
	resolver := session.NewResolver(store, taiga.NewConnector(hosts, logger), vault, logger)
	audit := repository.NewMemoryAuditRepository(100)
	return &harness{
		dispatcher: NewDispatcher(resolver, vault, audit, logger),
		audit:      audit,
		upstream:   upstream,
		logs:       logs,
	}
}

func (h *harness) login(t *testing.T) string {
	t.Helper()
	res, err := h.dispatcher.Dispatch(context.Background(), "login", map[string]any{
		"username": "alice", "password": "pw", "host": h.upstream.srv.URL,
	})
	require.NoError(t, err)
	out := res.(map[string]any)
	require.Equal(t, "authenticated", out["status"])
	id, _ := out["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func requireKind(t *testing.T, err error, kind domain.ErrorKind) ErrorObject {
	t.Helper()
	require.Error(t, err)
	obj := NewErrorObject(err)
	require.Equal(t, "error", obj.Status)
	require.Equal(t, kind, obj.ErrorType, obj.Message)
	return obj
}

func TestDispatchStoryLifecycleWithVersionConflict(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sid := h.login(t)

	res, err := h.dispatcher.Dispatch(ctx, "create_user_story", map[string]any{
		"session_id": sid, "project_id": 7, "subject": "X",
	})
	require.NoError(t, err)
	story := res.(map[string]any)
	require.EqualValues(t, 10, story["id"])
	require.EqualValues(t, 1, story["version"])
	require.NotContains(t, story, "watchers", "standard verbosity drops fields outside the projection")

	res, err = h.dispatcher.Dispatch(ctx, "update_user_story", map[string]any{
		"session_id": sid, "user_story_id": 10, "kwargs": `{"status": 2}`,
	})
	require.NoError(t, err)
	updated := res.(map[string]any)
	require.EqualValues(t, 2, updated["version"])
	require.EqualValues(t, 2, updated["status"])
	require.Equal(t, map[string]any{"status": float64(2), "version": float64(1)}, h.upstream.patches[0])

	h.upstream.mu.Lock()
	h.upstream.staleReads = true
	h.upstream.mu.Unlock()

	_, err = h.dispatcher.Dispatch(ctx, "update_user_story", map[string]any{
		"session_id": sid, "user_story_id": 10, "kwargs": map[string]any{"status": 3},
	})
	obj := requireKind(t, err, domain.KindUpstreamRejected)
	require.True(t, obj.Conflict)
	require.Equal(t, http.StatusBadRequest, obj.UpstreamStatus)

	entries, err := h.audit.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "update_user_story", entries[0].Operation)
	require.Equal(t, domain.AuditOutcomeError, entries[0].Outcome)
	require.Equal(t, domain.KindUpstreamRejected, entries[0].ErrorKind)
	require.Equal(t, "create_user_story", entries[2].Operation)
	require.EqualValues(t, 10, entries[2].ResourceID)
	require.Equal(t, session.Fingerprint(sid), entries[2].Session)
}

func TestDispatchValidationNeverReachesUpstream(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sid := h.login(t)
	before := h.upstream.calls.Load()

	cases := []struct {
		name string
		op   string
		args map[string]any
	}{
		{"unknown operation", "drop_database", map[string]any{}},
		{"unknown parameter", "list_user_stories", map[string]any{"session_id": sid, "project_id": 7, "colour": "red"}},
		{"kwargs key outside allowlist", "update_user_story", map[string]any{"session_id": sid, "user_story_id": 10, "kwargs": map[string]any{"owner": 1}}},
		{"filters key outside allowlist", "list_user_stories", map[string]any{"session_id": sid, "project_id": 7, "filters": `{"colour": "red"}`}},
		{"kwargs not json", "update_user_story", map[string]any{"session_id": sid, "user_story_id": 10, "kwargs": "{status"}},
		{"missing required", "create_user_story", map[string]any{"session_id": sid, "project_id": 7}},
		{"integer with fraction", "get_user_story", map[string]any{"session_id": sid, "user_story_id": 1.5}},
		{"id and ref together", "get_user_story", map[string]any{"session_id": sid, "user_story_id": 1, "project_id": 7, "ref": 1}},
		{"no identifier", "get_user_story", map[string]any{"session_id": sid}},
		{"unknown verbosity", "list_projects", map[string]any{"session_id": sid, "verbosity": "loud"}},
		{"bad milestone date", "create_milestone", map[string]any{"session_id": sid, "project_id": 7, "name": "S1", "estimated_start": "01/02/2026", "estimated_finish": "2026-02-01"}},
		{"bad email", "invite_project_user", map[string]any{"session_id": sid, "project_id": 7, "email": "not-an-email", "role_id": 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.dispatcher.Dispatch(ctx, tc.op, tc.args)
			requireKind(t, err, domain.KindValidation)
		})
	}
	require.Equal(t, before, h.upstream.calls.Load())
}

func TestDispatchWithoutSessionOrCredentials(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.dispatcher.Dispatch(context.Background(), "list_projects", nil)
	requireKind(t, err, domain.KindAuthenticationRequired)

	_, err = h.dispatcher.Dispatch(context.Background(), "list_projects", map[string]any{"session_id": "missing"})
	requireKind(t, err, domain.KindSessionNotFound)
	require.Zero(t, h.upstream.calls.Load())
}

func TestDispatchDefaultSessionFiltersByMember(t *testing.T) {
	upstreamURL := ""
	h := newHarness(t, func(u string) *config.Vault {
		upstreamURL = u
		return config.NewVault("alice", "pw", u)
	})
	ctx := context.Background()

	res, err := h.dispatcher.Dispatch(ctx, "list_projects", map[string]any{"verbosity": "minimal"})
	require.NoError(t, err)
	projects := res.([]map[string]any)
	require.Equal(t, []map[string]any{{"id": float64(7), "name": "Bridge", "slug": "bridge"}}, projects)
	require.Contains(t, h.upstream.queries[0], "member=7")

	res, err = h.dispatcher.Dispatch(ctx, "get_default_session", nil)
	require.NoError(t, err)
	info := res.(map[string]any)
	require.Equal(t, "active", info["status"])
	require.Equal(t, true, info["auto_authenticated"])
	require.Equal(t, upstreamURL+"/api/v1", info["host"])

	_, err = h.dispatcher.Dispatch(ctx, "list_all_projects", map[string]any{"session_id": "default"})
	require.NoError(t, err)
	require.NotContains(t, h.upstream.queries[1], "member=")
}

func TestDispatchGetByRef(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sid := h.login(t)
	_, err := h.dispatcher.Dispatch(ctx, "create_user_story", map[string]any{"session_id": sid, "project_id": 7, "subject": "X"})
	require.NoError(t, err)

	res, err := h.dispatcher.Dispatch(ctx, "get_user_story", map[string]any{
		"session_id": sid, "project_id": "7", "ref": 1, "verbosity": "minimal",
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"id": float64(10), "ref": float64(1), "subject": "X", "status": float64(1), "project": float64(7),
	}, res)

	_, err = h.dispatcher.Dispatch(ctx, "get_user_story", map[string]any{"session_id": sid, "project_id": 7, "ref": 99})
	obj := requireKind(t, err, domain.KindUpstreamRejected)
	require.Equal(t, http.StatusNotFound, obj.UpstreamStatus)
}

func TestDispatchDeleteAndAssign(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sid := h.login(t)
	_, err := h.dispatcher.Dispatch(ctx, "create_user_story", map[string]any{"session_id": sid, "project_id": 7, "subject": "X"})
	require.NoError(t, err)

	res, err := h.dispatcher.Dispatch(ctx, "assign_user_story_to_user", map[string]any{"session_id": sid, "user_story_id": 10, "user_id": 7})
	require.NoError(t, err)
	require.EqualValues(t, 7, res.(map[string]any)["assigned_to"])

	res, err = h.dispatcher.Dispatch(ctx, "unassign_user_story_from_user", map[string]any{"session_id": sid, "user_story_id": 10})
	require.NoError(t, err)
	require.Nil(t, res.(map[string]any)["assigned_to"])
	require.Contains(t, h.upstream.patches[1], "assigned_to")

	res, err = h.dispatcher.Dispatch(ctx, "delete_user_story", map[string]any{"session_id": sid, "user_story_id": 10})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"status": "deleted", "user_story_id": int64(10)}, res)
}

func TestSessionOperations(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sid := h.login(t)

	res, err := h.dispatcher.Dispatch(ctx, "session_status", map[string]any{"session_id": sid})
	require.NoError(t, err)
	require.Equal(t, "active", res.(map[string]any)["status"])
	require.Equal(t, "alice", res.(map[string]any)["username"])

	res, err = h.dispatcher.Dispatch(ctx, "logout", map[string]any{"session_id": sid})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"status": "logged_out", "session_id": sid}, res)

	res, err = h.dispatcher.Dispatch(ctx, "logout", map[string]any{"session_id": sid})
	require.NoError(t, err)
	require.Equal(t, "session_not_found", res.(map[string]any)["status"])

	res, err = h.dispatcher.Dispatch(ctx, "session_status", map[string]any{"session_id": sid})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"status": "inactive", "reason": "not_found", "session_id": sid}, res)

	t.Run("token rejected by upstream", func(t *testing.T) {
		sid := h.login(t)
		h.upstream.mu.Lock()
		h.upstream.meStatus = http.StatusUnauthorized
		h.upstream.mu.Unlock()

		res, err := h.dispatcher.Dispatch(ctx, "session_status", map[string]any{"session_id": sid})
		require.NoError(t, err)
		require.Equal(t, "token_invalid", res.(map[string]any)["reason"])

		_, err = h.dispatcher.Dispatch(ctx, "list_projects", map[string]any{"session_id": sid})
		requireKind(t, err, domain.KindSessionNotFound)
	})
}

func TestDispatchRedactsCredentials(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.dispatcher.Dispatch(context.Background(), "login", map[string]any{
		"username": "alice", "password": "hunter2-secret", "host": h.upstream.srv.URL,
	})
	obj := requireKind(t, err, domain.KindAuthentication)
	require.NotContains(t, obj.Message, "hunter2-secret")
	for _, entry := range h.logs.All() {
		for _, v := range entry.ContextMap() {
			require.NotContains(t, toString(v), "hunter2-secret")
		}
	}

	d := &Dispatcher{vault: config.NewVault("bob", "s3cr3t-pass", ""), logger: zap.NewNop()}
	sanitized := d.sanitize(domain.NewError(domain.KindUpstreamRejected, "upstream echoed s3cr3t-pass for bob"), nil)
	require.NotContains(t, sanitized.Message, "s3cr3t-pass")
	require.Equal(t, domain.KindUpstreamRejected, sanitized.Kind)

	plain := d.sanitize(context.DeadlineExceeded, nil)
	require.Equal(t, domain.KindInternal, plain.Kind)
}

func toString(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestOperationsCatalog(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, nil)
	names := map[string]Operation{}
	for _, op := range d.Operations() {
		names[op.Name] = op
	}
	for _, name := range []string{
		"login", "logout", "session_status", "get_default_session",
		"list_projects", "list_all_projects", "get_project", "get_project_by_slug", "create_project",
		"update_project", "delete_project", "get_project_members", "invite_project_user",
		"list_user_stories", "get_user_story", "create_user_story", "update_user_story", "delete_user_story",
		"assign_user_story_to_user", "unassign_user_story_from_user", "get_user_story_statuses",
		"list_tasks", "get_task", "create_task", "update_task", "delete_task",
		"assign_task_to_user", "unassign_task_from_user", "get_task_statuses",
		"list_issues", "get_issue", "create_issue", "update_issue", "delete_issue",
		"assign_issue_to_user", "unassign_issue_from_user", "get_issue_statuses",
		"get_issue_priorities", "get_issue_severities", "get_issue_types",
		"list_epics", "get_epic", "create_epic", "update_epic", "delete_epic",
		"assign_epic_to_user", "unassign_epic_from_user", "get_epic_statuses", "link_user_story_to_epic",
		"list_milestones", "get_milestone", "create_milestone", "update_milestone", "delete_milestone",
		"list_wiki_pages", "get_wiki_page", "create_wiki_page",
	} {
		require.Contains(t, names, name)
	}

	hasParam := func(op Operation, name string) bool {
		for _, p := range op.Params {
			if p.Name == name {
				return true
			}
		}
		return false
	}
	require.True(t, hasParam(names["list_tasks"], "session_id"))
	require.True(t, hasParam(names["list_tasks"], "verbosity"))
	require.False(t, hasParam(names["delete_task"], "verbosity"))
	require.False(t, hasParam(names["login"], "session_id"))
	require.True(t, hasParam(names["logout"], "session_id"))
	require.True(t, hasParam(names["create_issue"], "severity_id"))
	require.True(t, strings.HasPrefix(names["list_tasks"].Description, "Lists task"))
}
