package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	commonlog "folio/server/common/log"
	"folio/server/site/domain"
	"folio/server/site/service"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	commonlog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type fakeSubmitter struct {
	got   domain.ContactMessage
	calls int
}

func (f *fakeSubmitter) Submit(_ context.Context, msg domain.ContactMessage) (domain.ContactMessage, error) {
	f.calls++
	f.got = msg
	msg.ID = "m1"
	return msg, nil
}

func newRouter(t *testing.T, contacts *fakeSubmitter) *gin.Engine {
	t.Helper()
	profile, err := service.ParseProfile([]byte("name: <Mei>\nskills:\n  - title: Drawing\n"))
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	NewHandler(profile, contacts).RegisterRoutes(r)
	return r
}

func TestIndexRendersProfile(t *testing.T) {
	r := newRouter(t, &fakeSubmitter{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "&lt;Mei&gt;") || !strings.Contains(body, "Drawing") {
		t.Fatalf("page does not contain escaped profile content")
	}
	if strings.Contains(body, "<Mei>") {
		t.Fatal("profile name was not escaped")
	}
}

func TestDefaultProfileRenders(t *testing.T) {
	profile, err := service.LoadProfile("")
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	NewHandler(profile, &fakeSubmitter{}).RegisterRoutes(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), profile.Name) {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestContactValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "valid", body: `{"name":"Ann","email":"ann@example.com","message":"hello"}`, want: http.StatusCreated},
		{name: "bad email", body: `{"name":"Ann","email":"not-an-email","message":"hello"}`, want: http.StatusBadRequest},
		{name: "missing message", body: `{"name":"Ann","email":"ann@example.com"}`, want: http.StatusBadRequest},
		{name: "name too long", body: `{"name":"` + strings.Repeat("a", 101) + `","email":"ann@example.com","message":"x"}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contacts := &fakeSubmitter{}
			r := newRouter(t, contacts)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/contact", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusCreated && contacts.calls != 1 {
				t.Fatalf("submit calls = %d", contacts.calls)
			}
			if tt.want != http.StatusCreated && contacts.calls != 0 {
				t.Fatal("invalid message reached the service")
			}
		})
	}
}
