package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	commonauth "folio/server/common/auth"
	commonlog "folio/server/common/log"
	"folio/server/files/domain"
	"folio/server/files/registry"
	"folio/server/files/service"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	commonlog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type fakeUploader struct {
	mu       sync.Mutex
	got      service.UploadInput
	gotBody  []byte
	uploadFn func(in service.UploadInput) (domain.FileRecord, error)
}

func (f *fakeUploader) Upload(_ context.Context, in service.UploadInput) (domain.FileRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = in
	if in.Body != nil {
		f.gotBody, _ = io.ReadAll(in.Body)
	}
	if f.uploadFn != nil {
		return f.uploadFn(in)
	}
	if in.Body == nil {
		return domain.FileRecord{}, service.ErrNoFile
	}
	return domain.FileRecord{ID: "new", Name: in.Name, Visibility: in.Visibility, OwnerID: in.SubjectID}, nil
}

type fakeFiles struct {
	mu         sync.Mutex
	listFn     func(subjectID string) ([]domain.FileRecord, []domain.FileRecord, error)
	detailFn   func(subjectID string, vis domain.Visibility, id string) (domain.FileDetail, error)
	contentFn  func(subjectID string, vis domain.Visibility, id string) (domain.FileRecord, io.ReadCloser, error)
	deleteByFn func(subjectID string, vis domain.Visibility, id string) error
	deleted    []domain.FileRecord
}

func (f *fakeFiles) List(_ context.Context, subjectID string) ([]domain.FileRecord, []domain.FileRecord, error) {
	return f.listFn(subjectID)
}

func (f *fakeFiles) Detail(_ context.Context, subjectID string, vis domain.Visibility, id string) (domain.FileDetail, error) {
	return f.detailFn(subjectID, vis, id)
}

func (f *fakeFiles) Content(_ context.Context, subjectID string, vis domain.Visibility, id string) (domain.FileRecord, io.ReadCloser, error) {
	return f.contentFn(subjectID, vis, id)
}

func (f *fakeFiles) DeleteByID(_ context.Context, subjectID string, vis domain.Visibility, id string) error {
	return f.deleteByFn(subjectID, vis, id)
}

func (f *fakeFiles) Delete(_ context.Context, subjectID string, rec domain.FileRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !rec.OwnedBy(subjectID) {
		return service.ErrNotOwner
	}
	f.deleted = append(f.deleted, rec)
	return nil
}

func (f *fakeFiles) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.deleted))
	for _, rec := range f.deleted {
		out = append(out, rec.ID)
	}
	return out
}

// staticFeeds delivers one fixed snapshot per collection.
type staticFeeds map[string][]domain.FileRecord

func (s staticFeeds) Subscribe(_ context.Context, collection string, onSnapshot func([]domain.FileRecord), _ func(error)) func() {
	records := s[collection]
	go onSnapshot(records)
	return func() {}
}

type testEnv struct {
	router  *gin.Engine
	auth    *commonauth.Service
	uploads *fakeUploader
	files   *fakeFiles
	feeds   staticFeeds
	subject string
	token   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		auth:    commonauth.NewService("test-secret", 60),
		uploads: &fakeUploader{},
		files:   &fakeFiles{},
		feeds:   staticFeeds{},
	}
	identity, err := env.auth.SignInAnonymous()
	if err != nil {
		t.Fatal(err)
	}
	env.subject = identity.SubjectID
	env.token = identity.AccessToken

	h := NewHandler(env.auth, env.uploads, env.files, env.feeds, registry.Options{TimeLayout: time.RFC3339}, 1<<20)
	env.router = gin.New()
	h.RegisterRoutes(env.router)
	return env
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	if req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+env.token)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestSignInAnonymousIssuesToken(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/anonymous", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode[map[string]any](t, w)
	token, _ := resp["access_token"].(string)
	subject, _, err := env.auth.ParseSubject(token)
	if err != nil || subject != resp["subject_id"] {
		t.Fatalf("issued token does not parse: subject=%q err=%v", subject, err)
	}
}

func TestSignInWithTokenRejectsGarbage(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader(`{"token":"not-a-token"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestFilesRequireBearerToken(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	req.Header.Set("Authorization", "Bearer invalid")
	if w := env.do(req); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func multipartRequest(t *testing.T, fields map[string]string, fileName, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(content))
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadWithoutFile(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(multipartRequest(t, map[string]string{"name": "x", "visibility": "public"}, "", ""))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decode[uploadResponse](t, w)
	if resp.Status != "Please select a file to upload." {
		t.Fatalf("status text = %q", resp.Status)
	}
	if env.uploads.got.Body != nil {
		t.Fatal("service received a body")
	}
}

func TestUploadPassesFormFields(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(multipartRequest(t, map[string]string{"name": "Report", "description": "Q3", "visibility": "public"}, "report.pdf", "%PDF"))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	got := env.uploads.got
	if got.SubjectID != env.subject || got.Name != "Report" || got.Description != "Q3" || got.Visibility != domain.VisibilityPublic || got.OriginalName != "report.pdf" {
		t.Fatalf("upload input = %+v", got)
	}
	if string(env.uploads.gotBody) != "%PDF" {
		t.Fatalf("body = %q", env.uploads.gotBody)
	}
	resp := decode[uploadResponse](t, w)
	if resp.File == nil || resp.File.ID != "new" || resp.Status != service.StatusUploaded {
		t.Fatalf("response = %+v", resp)
	}
}

func TestUploadRejectsBadVisibility(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(multipartRequest(t, map[string]string{"visibility": "friends"}, "a.txt", "a"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestUploadInFlightConflict(t *testing.T) {
	env := newTestEnv(t)
	env.uploads.uploadFn = func(service.UploadInput) (domain.FileRecord, error) {
		return domain.FileRecord{}, service.ErrUploadInFlight
	}
	w := env.do(multipartRequest(t, nil, "a.txt", "a"))
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decode[uploadResponse](t, w); resp.Status != service.StatusUploadInFlight {
		t.Fatalf("status text = %q", resp.Status)
	}
}

func TestUploadStepFailure(t *testing.T) {
	env := newTestEnv(t)
	env.uploads.uploadFn = func(service.UploadInput) (domain.FileRecord, error) {
		return domain.FileRecord{}, &service.StepError{Step: service.StepRecord, Err: errors.New("db down")}
	}
	w := env.do(multipartRequest(t, nil, "a.txt", "a"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decode[uploadResponse](t, w); resp.Status != service.StatusRecordFailed {
		t.Fatalf("status text = %q", resp.Status)
	}
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(multipartRequest(t, nil, "big.bin", strings.Repeat("x", 2<<20)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func at(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}

func TestListAppliesFilterAndSort(t *testing.T) {
	env := newTestEnv(t)
	env.files.listFn = func(subjectID string) ([]domain.FileRecord, []domain.FileRecord, error) {
		return []domain.FileRecord{{ID: "1", Name: "B", Visibility: domain.VisibilityPublic, CreatedAt: at(100)}},
			[]domain.FileRecord{{ID: "2", Name: "A", Visibility: domain.VisibilityPrivate, OwnerID: subjectID, CreatedAt: at(200)}},
			nil
	}

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/files?filter=all&sort=name-asc", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	view := decode[registry.View](t, w)
	if len(view.Rows) != 2 || view.Rows[0].ID != "2" || view.Rows[1].ID != "1" {
		t.Fatalf("rows = %+v", view.Rows)
	}
	if !view.Rows[0].OwnedByMe || view.Rows[1].OwnedByMe {
		t.Fatalf("ownership markers = %+v", view.Rows)
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/files?filter=public", nil))
	view = decode[registry.View](t, w)
	if len(view.Rows) != 1 || view.Rows[0].ID != "1" || view.Sort != domain.SortNewest {
		t.Fatalf("public view = %+v", view)
	}
}

func TestListRejectsUnknownSort(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/files?sort=size", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestDetailNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.files.detailFn = func(string, domain.Visibility, string) (domain.FileDetail, error) {
		return domain.FileDetail{}, service.ErrNotFound
	}
	if w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/public/x", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/shared/x", nil)); w.Code != http.StatusBadRequest {
		t.Fatalf("bad visibility status = %d", w.Code)
	}
}

func TestContentStreamsObject(t *testing.T) {
	env := newTestEnv(t)
	env.files.contentFn = func(string, domain.Visibility, string) (domain.FileRecord, io.ReadCloser, error) {
		return domain.FileRecord{Name: "a.txt", ContentType: "text/plain", SizeBytes: 5}, io.NopCloser(strings.NewReader("hello")), nil
	}
	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/public/x/content", nil))
	if w.Code != http.StatusOK || w.Body.String() != "hello" || w.Header().Get("Content-Type") != "text/plain" {
		t.Fatalf("content = %d %q %q", w.Code, w.Body.String(), w.Header().Get("Content-Type"))
	}
}

func TestDeleteResponses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "ok", want: http.StatusOK},
		{name: "not owner", err: service.ErrNotOwner, want: http.StatusForbidden},
		{name: "missing", err: service.ErrNotFound, want: http.StatusNotFound},
		{name: "object step", err: &service.StepError{Step: service.StepObject, Err: errors.New("x")}, want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.files.deleteByFn = func(string, domain.Visibility, string) error { return tt.err }
			w := env.do(httptest.NewRequest(http.MethodDelete, "/api/v1/files/private/x", nil))
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

type wsFrame struct {
	Type   string             `json:"type"`
	View   *registry.View     `json:"view"`
	Detail *domain.FileDetail `json:"detail"`
	Status string             `json:"status"`
	Error  string             `json:"error"`
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(wsFrame) bool) wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(frame) {
			return frame
		}
	}
}

func TestWebSocketSession(t *testing.T) {
	env := newTestEnv(t)
	env.feeds[domain.PublicCollection] = []domain.FileRecord{{ID: "1", Name: "B", Visibility: domain.VisibilityPublic, OwnerID: "someone", CreatedAt: at(100)}}
	env.feeds[domain.PrivateCollection(env.subject)] = []domain.FileRecord{{ID: "2", Name: "A", Visibility: domain.VisibilityPrivate, OwnerID: env.subject, CreatedAt: at(200)}}

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/files?access_token=" + env.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readUntil(t, conn, func(f wsFrame) bool { return f.Type == registry.MessageView && len(f.View.Rows) == 2 })

	_ = conn.WriteJSON(wsClientMessage{Type: "filter", Value: "private"})
	frame := readUntil(t, conn, func(f wsFrame) bool { return f.Type == registry.MessageView })
	if len(frame.View.Rows) != 1 || frame.View.Rows[0].ID != "2" {
		t.Fatalf("private view = %+v", frame.View)
	}

	_ = conn.WriteJSON(wsClientMessage{Type: "sort", Value: "bogus"})
	if frame := readUntil(t, conn, func(f wsFrame) bool { return f.Type == "error" }); frame.Error == "" {
		t.Fatal("empty error")
	}

	_ = conn.WriteJSON(wsClientMessage{Type: "view", ID: "1"})
	frame = readUntil(t, conn, func(f wsFrame) bool { return f.Type == registry.MessageDetail })
	if frame.Detail.CanDelete {
		t.Fatal("can delete someone else's file")
	}
	_ = conn.WriteJSON(wsClientMessage{Type: "delete"})

	_ = conn.WriteJSON(wsClientMessage{Type: "view", ID: "2"})
	frame = readUntil(t, conn, func(f wsFrame) bool { return f.Type == registry.MessageDetail })
	if !frame.Detail.CanDelete {
		t.Fatal("cannot delete own file")
	}
	_ = conn.WriteJSON(wsClientMessage{Type: "delete"})
	readUntil(t, conn, func(f wsFrame) bool { return f.Type == registry.MessageStatus && f.Status == registry.StatusDeleted })

	if got := env.files.deletedIDs(); len(got) != 1 || got[0] != "2" {
		t.Fatalf("deleted = %v", got)
	}
}

func TestWebSocketSignOutClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/files?access_token=" + env.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readUntil(t, conn, func(f wsFrame) bool { return f.Type == registry.MessageView })

	_ = conn.WriteJSON(wsClientMessage{Type: "sign_out"})
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read error = %v, want normal closure", err)
			}
			return
		}
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/files", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCloseSessionsDisconnectsClients(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.auth, env.uploads, env.files, env.feeds, registry.Options{}, 1<<20)
	router := gin.New()
	h.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/files?access_token=" + env.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readUntil(t, conn, func(f wsFrame) bool { return f.Type == registry.MessageView })

	h.CloseSessions()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
				t.Fatalf("read error = %v, want going away", err)
			}
			return
		}
	}
}
