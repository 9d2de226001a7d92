package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"calsync/internal/models"
	"calsync/internal/provider"
	"calsync/internal/provider/providertest"
	"calsync/internal/registry"
	"calsync/internal/store"
	"calsync/internal/store/memstore"
)

const secret = "0123456789abcdef0123456789abcdef"

type noTokens struct{}

func (noTokens) GetValidToken(ctx context.Context, a models.CalendarAccount) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "at"}, nil
}

type fakeDispatcher struct {
	running map[string]bool
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, wsID string, tier models.Tier) (models.SyncJob, error) {
	key := wsID + "/" + string(tier)
	if d.running[key] {
		return models.SyncJob{}, store.ErrJobRunning
	}
	d.running[key] = true
	return models.SyncJob{ID: "job-1", WsID: wsID, Tier: tier, Status: models.JobRunning}, nil
}

type env struct {
	server  *httptest.Server
	mem     *memstore.Memory
	account models.CalendarAccount
	conns   []models.CalendarConnection
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := memstore.New()
	fake := &providertest.Fake{Name: models.ProviderGoogle, Delta: true, Calendars: []models.RemoteCalendar{
		{ExternalID: "primary", Name: "Work"},
		{ExternalID: "team", Name: "Team"},
	}}
	reg := registry.New(logger, mem, noTokens{}, provider.NewSet(fake))
	ctx := context.Background()
	a, err := mem.CreateAccount(ctx, models.CalendarAccount{WsID: "ws1", UserID: "u1", Provider: models.ProviderGoogle,
		AccessToken: "secret-access", RefreshToken: "secret-refresh", AccountEmail: "a@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Discover(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	conns, _ := mem.ListConnections(ctx, a.ID)

	router := NewRouter(logger, Options{APISecret: secret, PrometheusEnabled: true}, reg, mem, &fakeDispatcher{running: map[string]bool{}})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &env{server: srv, mem: mem, account: a, conns: conns}
}

func bearer(t *testing.T, workspaces ...string) string {
	t.Helper()
	tok, err := IssueToken(secret, Claims{
		Workspaces:       workspaces,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *env) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestRequiresBearerToken(t *testing.T) {
	e := newEnv(t)
	if resp := e.do(t, http.MethodGet, "/calendar/auth/accounts?wsId=ws1", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	forged, _ := IssueToken("another-secret-another-secret-xx", Claims{Workspaces: []string{"ws1"},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}})
	if resp := e.do(t, http.MethodGet, "/calendar/auth/accounts?wsId=ws1", forged, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged status = %d", resp.StatusCode)
	}
	expired, _ := IssueToken(secret, Claims{Workspaces: []string{"ws1"},
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}})
	if resp := e.do(t, http.MethodGet, "/calendar/auth/accounts?wsId=ws1", expired, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expired status = %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/calendar/auth/accounts?wsId=ws1", bearer(t, "ws2"), ""); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign workspace status = %d", resp.StatusCode)
	}
}

func TestListAccounts(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/calendar/auth/accounts?wsId=ws1", bearer(t, "ws1"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(raw), "secret-access") || strings.Contains(string(raw), "secret-refresh") {
		t.Fatal("response leaks tokens")
	}
	var body struct {
		Accounts map[string][]accountJSON `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	google := body.Accounts["google"]
	if len(google) != 1 || google[0].AccountEmail != "a@example.com" || len(google[0].Connections) != 2 {
		t.Fatalf("accounts = %+v", body.Accounts)
	}
}

func TestDisconnectAccount(t *testing.T) {
	e := newEnv(t)
	tok := bearer(t, "ws1")
	if resp := e.do(t, http.MethodDelete, "/calendar/auth/accounts?wsId=ws1", tok, ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing accountId status = %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodDelete, "/calendar/auth/accounts?wsId=ws1&accountId=nope", tok, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown account status = %d", resp.StatusCode)
	}
	resp := e.do(t, http.MethodDelete, "/calendar/auth/accounts?wsId=ws1&accountId="+e.account.ID, tok, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	a, _ := e.mem.GetAccount(context.Background(), e.account.ID)
	if a.IsActive {
		t.Error("account still active")
	}
	conns, _ := e.mem.ListConnections(context.Background(), e.account.ID)
	for _, c := range conns {
		if c.IsEnabled {
			t.Errorf("connection %s still enabled", c.ID)
		}
	}
}

func TestToggleConnection(t *testing.T) {
	e := newEnv(t)
	id := e.conns[0].ID
	tok := bearer(t, "ws1")

	resp := e.do(t, http.MethodPatch, "/calendar/connections", tok, `{"id":"`+id+`","isEnabled":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	c, _, _ := e.mem.GetConnection(context.Background(), id)
	if c.IsEnabled {
		t.Fatal("connection still enabled")
	}

	if resp := e.do(t, http.MethodPatch, "/calendar/connections", tok, `{"id":"`+id+`"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing isEnabled status = %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodPatch, "/calendar/connections", tok, `{`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad json status = %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodPatch, "/calendar/connections", bearer(t, "ws2"), `{"id":"`+id+`","isEnabled":true}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign connection status = %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodPatch, "/calendar/connections", tok, `{"id":"missing","isEnabled":true}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing connection status = %d", resp.StatusCode)
	}
}

func seedEvents(t *testing.T, e *env, connID string) {
	t.Helper()
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	err := e.mem.ApplyWrites(context.Background(), connID, []models.EventWrite{
		{Op: models.OpInsert, Event: models.LocalEvent{ExternalID: "e1", UpdatedAt: start,
			Payload: models.Payload{Title: "Standup", Start: start, End: start.Add(15 * time.Minute)}}},
		{Op: models.OpInsert, Event: models.LocalEvent{ExternalID: "e2", UpdatedAt: start,
			Payload: models.Payload{Title: "Holiday", Start: start.AddDate(0, 0, 1).Truncate(24 * time.Hour), End: start.AddDate(0, 0, 2).Truncate(24 * time.Hour), AllDay: true}}},
		{Op: models.OpInsert, Event: models.LocalEvent{ExternalID: "gone", UpdatedAt: start,
			Payload: models.Payload{Title: "Cancelled", Start: start, End: start.Add(time.Hour)}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.mem.ApplyWrites(context.Background(), connID, []models.EventWrite{
		{Op: models.OpSoftDelete, Event: models.LocalEvent{ExternalID: "gone", UpdatedAt: start}},
	}); err != nil {
		t.Fatal(err)
	}
}

func TestListEventsExcludesDeleted(t *testing.T) {
	e := newEnv(t)
	id := e.conns[0].ID
	seedEvents(t, e, id)

	resp := e.do(t, http.MethodGet, "/calendar/connections/"+id+"/events", bearer(t, "ws1"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Events []eventJSON `json:"events"`
	}
	decode(t, resp, &body)
	if len(body.Events) != 2 || body.Events[0].ExternalID != "e1" {
		t.Fatalf("events = %+v", body.Events)
	}

	if err := e.mem.SetConnectionEnabled(context.Background(), id, false); err != nil {
		t.Fatal(err)
	}
	if resp := e.do(t, http.MethodGet, "/calendar/connections/"+id+"/events", bearer(t, "ws1"), ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("disabled connection status = %d", resp.StatusCode)
	}
}

func TestExportICal(t *testing.T) {
	e := newEnv(t)
	id := e.conns[0].ID
	seedEvents(t, e, id)

	resp := e.do(t, http.MethodGet, "/calendar/connections/"+id+"/events.ics", bearer(t, "ws1"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("content type = %q", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)
	for _, want := range []string{"BEGIN:VCALENDAR", "SUMMARY:Standup", "UID:e1@" + id, "DTSTART;VALUE=DATE:20240502"} {
		if !strings.Contains(body, want) {
			t.Errorf("calendar missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "Cancelled") {
		t.Error("soft-deleted event exported")
	}
}

func TestTriggerSync(t *testing.T) {
	e := newEnv(t)
	tok := bearer(t, "ws1")
	resp := e.do(t, http.MethodPost, "/calendar/sync?wsId=ws1&tier=extended", tok, "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decode(t, resp, &body)
	if body["jobId"] != "job-1" {
		t.Errorf("body = %v", body)
	}
	if resp := e.do(t, http.MethodPost, "/calendar/sync?wsId=ws1&tier=extended", tok, ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("second trigger status = %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodPost, "/calendar/sync?wsId=ws1&tier=hourly", tok, ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad tier status = %d", resp.StatusCode)
	}
}

func TestListJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job, err := e.mem.AcquireJob(ctx, "ws1", models.TierImmediate, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	job.Status = models.JobSucceeded
	job.Stats = models.ApplyStats{Upserted: 3}
	if err := e.mem.FinishJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	resp := e.do(t, http.MethodGet, "/calendar/sync/jobs?wsId=ws1", bearer(t, "ws1"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Jobs []jobJSON `json:"jobs"`
	}
	decode(t, resp, &body)
	if len(body.Jobs) != 1 || body.Jobs[0].Status != "succeeded" || body.Jobs[0].Stats.Upserted != 3 {
		t.Fatalf("jobs = %+v", body.Jobs)
	}
	if resp := e.do(t, http.MethodGet, "/calendar/sync/jobs?wsId=ws1&limit=0", bearer(t, "ws1"), ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	e := newEnv(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if resp := e.do(t, http.MethodGet, path, "", ""); resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(1, 2, time.Minute)
	now := time.Now()
	if !l.allow("10.0.0.1", now) || !l.allow("10.0.0.1", now) {
		t.Fatal("burst rejected")
	}
	if l.allow("10.0.0.1", now) {
		t.Fatal("over-limit request allowed")
	}
	if !l.allow("10.0.0.2", now) {
		t.Fatal("other client limited")
	}
	if !l.allow("10.0.0.1", now.Add(time.Second)) {
		t.Fatal("bucket did not refill")
	}
}
