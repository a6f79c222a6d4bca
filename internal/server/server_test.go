package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"draftline/internal/db"
	"draftline/internal/domain"
	"draftline/internal/migrate"
	"draftline/internal/status"
	"draftline/internal/store"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Store  store.Store
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.New(conn)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	handler, err := New(Config{Store: s, DefaultWordCount: 1200, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Store:  s,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
}

func localAuth() AuthConfig {
	return AuthConfig{AllowActorHeader: true}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeTask(t *testing.T, data []byte) domain.Task {
	t.Helper()
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("decode task: %v (%s)", err, data)
	}
	return task
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var body struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode error: %v (%s)", err, data)
	}
	return body.Error
}

func TestCreateAndGetTask(t *testing.T) {
	srv := newTestServer(t, localAuth())
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"topic": "Zero-downtime deploys",
		"style": "tutorial",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d (%s)", res.StatusCode, data)
	}
	created := decodeTask(t, data)
	if created.Status != status.Pending {
		t.Errorf("status = %s", created.Status)
	}
	if created.TargetWordCount != 1200 {
		t.Errorf("default word count not applied: %d", created.TargetWordCount)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d (%s)", res.StatusCode, data)
	}
	got := decodeTask(t, data)
	if got.ID != created.ID || got.Topic != "Zero-downtime deploys" {
		t.Errorf("got %+v", got)
	}
}

func TestCreateTaskRejectsEmptyTopic(t *testing.T) {
	srv := newTestServer(t, localAuth())
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"topic": "   ",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d (%s)", res.StatusCode, data)
	}
	apiErr := decodeError(t, data)
	if apiErr.Code != "bad_request" {
		t.Errorf("code = %s", apiErr.Code)
	}
}

func TestGetUnknownTask(t *testing.T) {
	srv := newTestServer(t, localAuth())
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/no-such-id", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d (%s)", res.StatusCode, data)
	}
	if apiErr := decodeError(t, data); apiErr.Code != "not_found" {
		t.Errorf("code = %s", apiErr.Code)
	}
}

func TestListTasksWithStatusFilter(t *testing.T) {
	srv := newTestServer(t, localAuth())
	ctx := context.Background()
	a, _ := srv.Store.CreateTask(ctx, store.CreateTaskOptions{Topic: "Alpha", TargetWordCount: 500})
	b, _ := srv.Store.CreateTask(ctx, store.CreateTaskOptions{Topic: "Beta", TargetWordCount: 500})
	if _, err := srv.Store.UpdateStatus(ctx, b.ID, status.Processing, store.UpdateStatusOptions{Actor: "executor"}); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks?status=pending", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", res.StatusCode, data)
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		t.Fatalf("decode: %v (%s)", err, data)
	}
	if len(tasks) != 1 || tasks[0].ID != a.ID {
		t.Errorf("filtered list: %+v", tasks)
	}
}

func TestApproveFlow(t *testing.T) {
	srv := newTestServer(t, localAuth())
	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"topic": "Approval flow",
	}, nil)
	task := decodeTask(t, data)

	for _, next := range []string{status.Processing, status.AwaitingApproval} {
		res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/tasks/"+task.ID+"/status", map[string]any{
			"new_status": next,
		}, map[string]string{"X-Actor-Id": "executor"})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("to %s: status = %d (%s)", next, res.StatusCode, data)
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/approve", map[string]any{
		"reason": "reads well",
	}, map[string]string{"X-Actor-Id": "reviewer-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d (%s)", res.StatusCode, data)
	}
	approved := decodeTask(t, data)
	if approved.Status != status.Published {
		t.Fatalf("status = %s", approved.Status)
	}
	if approved.CompletedAt == nil {
		t.Error("published task has no completed_at")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/"+task.ID+"/history", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d (%s)", res.StatusCode, data)
	}
	var entries []domain.StatusHistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("decode history: %v (%s)", err, data)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	last := entries[2]
	if last.Actor != "reviewer-1" || last.Reason != "reads well" || last.NewStatus != status.Published {
		t.Errorf("last entry: %+v", last)
	}
}

func TestRejectFlow(t *testing.T) {
	srv := newTestServer(t, localAuth())
	ctx := context.Background()
	task, _ := srv.Store.CreateTask(ctx, store.CreateTaskOptions{Topic: "Rejection flow", TargetWordCount: 500})
	for _, next := range []string{status.Processing, status.AwaitingApproval} {
		if _, err := srv.Store.UpdateStatus(ctx, task.ID, next, store.UpdateStatusOptions{Actor: "executor"}); err != nil {
			t.Fatal(err)
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/reject", map[string]any{
		"reason": "off topic",
	}, map[string]string{"X-Actor-Id": "reviewer-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status = %d (%s)", res.StatusCode, data)
	}
	if rejected := decodeTask(t, data); rejected.Status != status.Rejected {
		t.Fatalf("status = %s", rejected.Status)
	}
}

func TestInvalidTransitionConflict(t *testing.T) {
	srv := newTestServer(t, localAuth())
	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"topic": "Conflict",
	}, nil)
	task := decodeTask(t, data)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/approve", map[string]any{}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d (%s)", res.StatusCode, data)
	}
	apiErr := decodeError(t, data)
	if apiErr.Code != "invalid_transition" {
		t.Errorf("code = %s", apiErr.Code)
	}
	if apiErr.Details["from"] != status.Pending || apiErr.Details["to"] != status.Published {
		t.Errorf("details = %v", apiErr.Details)
	}
}

func TestFailuresEndpoint(t *testing.T) {
	srv := newTestServer(t, localAuth())
	ctx := context.Background()
	task, _ := srv.Store.CreateTask(ctx, store.CreateTaskOptions{Topic: "Failures", TargetWordCount: 500})
	if _, err := srv.Store.UpdateStatus(ctx, task.ID, status.Processing, store.UpdateStatusOptions{Actor: "executor"}); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Store.UpdateStatus(ctx, task.ID, status.ValidationFailed, store.UpdateStatusOptions{Actor: "executor", Reason: "low score"}); err != nil {
		t.Fatal(err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/history/failures", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", res.StatusCode, data)
	}
	var entries []domain.StatusHistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("decode: %v (%s)", err, data)
	}
	if len(entries) != 1 || entries[0].NewStatus != status.ValidationFailed {
		t.Errorf("entries: %+v", entries)
	}
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testJWTSecret})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", res.StatusCode, data)
	}
}

func TestDocsNeedNoAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testJWTSecret})
	for _, path := range []string{"/docs", "/openapi.json"} {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+path, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d (%s)", path, res.StatusCode, data)
		}
	}
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testJWTSecret})

	// no credentials
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d (%s)", res.StatusCode, data)
	}

	// actor header is not accepted in token-only mode
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{"X-Actor-Id": "sneaky"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("actor header accepted: %d", res.StatusCode)
	}

	// garbage token
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token accepted: %d", res.StatusCode)
	}

	token := mintToken(t, "reviewer-1", testJWTSecret)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"topic": "Token auth",
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d (%s)", res.StatusCode, data)
	}
	task := decodeTask(t, data)

	// the token subject becomes the audit actor
	for _, next := range []string{status.Processing, status.AwaitingApproval} {
		if _, err := srv.Store.UpdateStatus(context.Background(), task.ID, next, store.UpdateStatusOptions{Actor: "executor"}); err != nil {
			t.Fatal(err)
		}
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/approve", map[string]any{}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d (%s)", res.StatusCode, data)
	}
	entries, err := srv.Store.StatusHistory(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if entries[len(entries)-1].Actor != "reviewer-1" {
		t.Errorf("actor = %s", entries[len(entries)-1].Actor)
	}
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testJWTSecret})
	token := mintToken(t, "reviewer-1", "another-secret")
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func mintToken(t *testing.T, subject, secret string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}
