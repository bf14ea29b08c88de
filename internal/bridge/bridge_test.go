package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialtone-app/dialtone/internal/auth"
	"github.com/dialtone-app/dialtone/internal/logging"
)

// fakeProvider records requests and plays back canned responses.
type fakeProvider struct {
	t        *testing.T
	status   int
	body     string
	lastPath string
	lastForm map[string]string
	user     string
	pass     string
}

func (f *fakeProvider) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(f.t, ok, "provider requests must carry basic auth")
		f.user, f.pass = user, pass
		f.lastPath = r.URL.Path
		if r.Method == http.MethodPost {
			require.NoError(f.t, r.ParseForm())
			f.lastForm = map[string]string{}
			for k := range r.PostForm {
				f.lastForm[k] = r.PostForm.Get(k)
			}
		}
		w.WriteHeader(f.status)
		w.Write([]byte(f.body))
	})
}

func testBridge(t *testing.T, fp *fakeProvider) (*gin.Engine, *auth.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := httptest.NewServer(fp.handler())
	t.Cleanup(backend.Close)

	sessions, err := auth.NewManager("test-secret", time.Hour)
	require.NoError(t, err)

	provider := NewProvider(backend.URL, "api-user", "api-pass", logging.Nop())
	e := gin.New()
	NewRoutes(logging.Nop(), provider, sessions).Register(e)
	return e, sessions
}

func sessionCookie(t *testing.T, sessions *auth.Manager) *http.Cookie {
	t.Helper()
	token, err := sessions.Issue("100@voip.example.com", time.Now())
	require.NoError(t, err)
	return &http.Cookie{Name: auth.CookieName, Value: token}
}

func TestMakeCallPassesThroughProvider(t *testing.T) {
	fp := &fakeProvider{t: t, status: http.StatusOK, body: `{"id":"c0123","state":"ongoing"}`}
	e, sessions := testBridge(t, fp)

	req := httptest.NewRequest(http.MethodPost, "/make-call",
		strings.NewReader(`{"phoneNumber":"+46700000000","webrtcNumber":"4600123456"}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(sessionCookie(t, sessions))
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"c0123","state":"ongoing"}`, w.Body.String())

	assert.Equal(t, "api-user", fp.user)
	assert.Equal(t, "api-pass", fp.pass)
	assert.Equal(t, "/a1/calls", fp.lastPath)
	assert.Equal(t, "4600123456", fp.lastForm["from"])
	assert.Equal(t, "sip:4600123456@voip.46elks.com", fp.lastForm["to"])
	assert.Contains(t, fp.lastForm["voice_start"], "+46700000000")
}

func TestMakeCallMapsProviderFailure(t *testing.T) {
	fp := &fakeProvider{t: t, status: http.StatusForbidden, body: `{"error":"insufficient funds"}`}
	e, sessions := testBridge(t, fp)

	req := httptest.NewRequest(http.MethodPost, "/make-call",
		strings.NewReader(`{"phoneNumber":"+46700000000","webrtcNumber":"4600123456"}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(sessionCookie(t, sessions))
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	// No raw provider error leaks to the caller.
	assert.NotContains(t, w.Body.String(), "insufficient funds")
}

func TestCallRoutesRequireSession(t *testing.T) {
	fp := &fakeProvider{t: t, status: http.StatusOK, body: `{}`}
	e, _ := testBridge(t, fp)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPost, "/make-call"},
		{http.MethodPost, "/transfer-call"},
		{http.MethodGet, "/numbers"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(`{}`))
		w := httptest.NewRecorder()
		e.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", tc.method, tc.path)
	}
}

func TestLoginIssuesCookieLogoutClearsIt(t *testing.T) {
	fp := &fakeProvider{t: t, status: http.StatusOK, body: `{}`}
	e, _ := testBridge(t, fp)

	req := httptest.NewRequest(http.MethodPost, "/login",
		strings.NewReader(`{"username":" 100@voip.example.com ","password":"pw"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "100@voip.example.com", resp["username"], "identity must be trimmed")

	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	var session *http.Cookie
	for _, ck := range cookies {
		if ck.Name == auth.CookieName {
			session = ck
		}
	}
	require.NotNil(t, session)
	assert.NotEmpty(t, session.Value)

	// Logout expires it.
	req = httptest.NewRequest(http.MethodPost, "/logout", nil)
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	for _, ck := range w.Result().Cookies() {
		if ck.Name == auth.CookieName {
			assert.LessOrEqual(t, ck.MaxAge, 0)
		}
	}
}

func TestLoginRejectsMissingFields(t *testing.T) {
	fp := &fakeProvider{t: t, status: http.StatusOK, body: `{}`}
	e, _ := testBridge(t, fp)

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"a@b"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNumbersPassthrough(t *testing.T) {
	fp := &fakeProvider{t: t, status: http.StatusOK, body: `{"data":[{"number":"+46766861004"}]}`}
	e, sessions := testBridge(t, fp)

	req := httptest.NewRequest(http.MethodGet, "/numbers", nil)
	req.AddCookie(sessionCookie(t, sessions))
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[{"number":"+46766861004"}]}`, w.Body.String())
	assert.Equal(t, "/a1/numbers", fp.lastPath)
}
