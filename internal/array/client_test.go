package array

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "kv-shepherd.io/storjanitor/internal/pkg/errors"
	"kv-shepherd.io/storjanitor/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

// fakeArray is an httptest-backed array management endpoint.
type fakeArray struct {
	t *testing.T

	loginFailures int32 // remaining login attempts to reject
	logins        int32

	token string

	// pages returned in order for /api/rest/volume listing calls.
	pages []string

	// details by volume id; raw JSON.
	details map[string]string

	// deleteStatus by volume id.
	deleteStatus map[string]int
	deleteBody   map[string]string

	// reject401Once makes the next authenticated call return 401.
	reject401Once int32

	listCalls int32
}

func (f *fakeArray) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/rest/login_session", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.logins, 1)
		if atomic.AddInt32(&f.loginFailures, -1) >= 0 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "auth_cookie", Value: "jar-1", Path: "/"})
		w.Header().Set(TokenHeader, f.token)
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/rest/volume", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(TokenHeader) != f.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if atomic.AddInt32(&f.reject401Once, -1) >= 0 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("limit") == "1" && r.URL.Query().Get("offset") == "" {
			// session probe
			fmt.Fprint(w, `[]`)
			return
		}
		call := int(atomic.AddInt32(&f.listCalls, 1)) - 1
		if call >= len(f.pages) {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprint(w, f.pages[call])
	})

	mux.HandleFunc("/api/rest/volume/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(TokenHeader) != f.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := r.URL.Path[len("/api/rest/volume/"):]
		switch r.Method {
		case http.MethodGet:
			body, ok := f.details[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			fmt.Fprint(w, body)
		case http.MethodDelete:
			status, ok := f.deleteStatus[id]
			if !ok {
				status = http.StatusNoContent
			}
			w.WriteHeader(status)
			if body := f.deleteBody[id]; body != "" {
				fmt.Fprint(w, body)
			}
		}
	})

	return mux
}

func newTestClient(t *testing.T, f *fakeArray, store SessionStore) (*Client, *httptest.Server) {
	t.Helper()
	if f.token == "" {
		f.token = "tok-123"
	}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	if store == nil {
		store = &MemoryStore{}
	}
	client := NewClient(
		ClientConfig{BaseURL: srv.URL, PageSize: 2, OffsetCeiling: 100},
		Credentials{User: "admin", Password: "secret"},
		store,
		SessionConfig{Retries: 3, BackoffBase: time.Millisecond},
	)
	return client, srv
}

func volPage(ids ...string) string {
	type v struct {
		ID string `json:"id"`
	}
	var vs []v
	for _, id := range ids {
		vs = append(vs, v{ID: id})
	}
	b, _ := json.Marshal(vs)
	return string(b)
}

func TestEnsure_LoginWithRetries(t *testing.T) {
	f := &fakeArray{loginFailures: 2}
	client, _ := newTestClient(t, f, nil)

	s, err := client.Sessions().Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-123", s.Token)
	assert.EqualValues(t, 3, atomic.LoadInt32(&f.logins))
}

func TestEnsure_FatalAfterExhaustion(t *testing.T) {
	f := &fakeArray{loginFailures: 99}
	client, _ := newTestClient(t, f, nil)

	_, err := client.Sessions().Ensure(context.Background())
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeArrayAuthFailed, appErr.Code)
	assert.EqualValues(t, 3, atomic.LoadInt32(&f.logins))
}

func TestEnsure_ReusesCachedSession(t *testing.T) {
	f := &fakeArray{}
	store := &MemoryStore{}
	client, _ := newTestClient(t, f, store)

	_, err := client.Sessions().Ensure(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&f.logins))

	// A second manager over the same store must validate, not relogin.
	client2 := NewClient(
		ClientConfig{BaseURL: client.cfg.BaseURL, PageSize: 2, OffsetCeiling: 100},
		Credentials{User: "admin", Password: "secret"},
		store,
		SessionConfig{Retries: 3, BackoffBase: time.Millisecond},
	)
	_, err = client2.Sessions().Ensure(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.logins))
}

func TestEnsure_StaleCacheTriggersRelogin(t *testing.T) {
	f := &fakeArray{}
	store := &MemoryStore{session: &Session{Token: "stale-token"}}
	client, _ := newTestClient(t, f, store)

	s, err := client.Sessions().Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-123", s.Token)
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.logins))
}

func TestEnsure_ForceRelogin(t *testing.T) {
	f := &fakeArray{token: "tok-123"}
	// Cached session that would validate fine; force-relogin must ignore it.
	store := &MemoryStore{session: &Session{Token: "tok-123"}}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	client := NewClient(
		ClientConfig{BaseURL: srv.URL, PageSize: 2, OffsetCeiling: 100},
		Credentials{User: "admin", Password: "secret"},
		store,
		SessionConfig{Retries: 3, BackoffBase: time.Millisecond, ForceRelogin: true},
	)
	_, err := client.Sessions().Ensure(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.logins), "force-relogin must skip the cache")
}

func TestFetchAllVolumes_PaginationAndDedupe(t *testing.T) {
	f := &fakeArray{pages: []string{
		volPage("v1", "v2"),
		volPage("v2", "v3"), // overlap with previous page
		volPage("v4"),       // short page terminates
	}}
	client, _ := newTestClient(t, f, nil)

	vols, err := client.FetchAllVolumes(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(vols))
	for _, v := range vols {
		ids = append(ids, v.ID)
	}
	assert.Equal(t, []string{"v1", "v2", "v3", "v4"}, ids)
}

func TestFetchAllVolumes_TerminatesOnNoNewIDs(t *testing.T) {
	// A server stuck returning the same full page must terminate via the
	// zero-new-ids rule, not loop to the ceiling.
	f := &fakeArray{pages: []string{
		volPage("v1", "v2"),
		volPage("v1", "v2"),
		volPage("v1", "v2"),
	}}
	client, _ := newTestClient(t, f, nil)

	vols, err := client.FetchAllVolumes(context.Background())
	require.NoError(t, err)
	assert.Len(t, vols, 2)
	assert.LessOrEqual(t, atomic.LoadInt32(&f.listCalls), int32(3))
}

func TestFetchAllVolumes_EnvelopeVariants(t *testing.T) {
	tests := []struct {
		name string
		page string
	}{
		{"bare array", `[{"id":"v1"}]`},
		{"items wrapper", `{"items":[{"id":"v1"}]}`},
		{"content wrapper", `{"content":[{"id":"v1"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeArray{pages: []string{tt.page}}
			client, _ := newTestClient(t, f, nil)

			vols, err := client.FetchAllVolumes(context.Background())
			require.NoError(t, err)
			require.Len(t, vols, 1)
			assert.Equal(t, "v1", vols[0].ID)
		})
	}
}

func TestFetchAllVolumes_BadEnvelopeFatal(t *testing.T) {
	f := &fakeArray{pages: []string{`{"unexpected":"shape"}`}}
	client, _ := newTestClient(t, f, nil)

	_, err := client.FetchAllVolumes(context.Background())
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeArrayBadEnvelope, appErr.Code)
}

func TestFetchAllVolumes_OffsetCeiling(t *testing.T) {
	// Always-new ids at full page size would loop forever without the ceiling.
	f := &fakeArray{}
	for i := 0; i < 200; i++ {
		f.pages = append(f.pages, volPage(
			fmt.Sprintf("v%d", 2*i), fmt.Sprintf("v%d", 2*i+1)))
	}
	client, _ := newTestClient(t, f, nil)
	client.cfg.OffsetCeiling = 10

	_, err := client.FetchAllVolumes(context.Background())
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeArrayOffsetCeiling, appErr.Code)
}

func TestDo_Midrun401ReloginOnce(t *testing.T) {
	f := &fakeArray{pages: []string{volPage("v1")}}
	client, _ := newTestClient(t, f, nil)

	// Establish the session first, then poison the next call.
	_, err := client.Sessions().Ensure(context.Background())
	require.NoError(t, err)
	atomic.StoreInt32(&f.reject401Once, 1)

	vols, err := client.FetchAllVolumes(context.Background())
	require.NoError(t, err)
	assert.Len(t, vols, 1)
	assert.EqualValues(t, 2, atomic.LoadInt32(&f.logins), "exactly one relogin")
}

func TestGetVolume_Detail(t *testing.T) {
	f := &fakeArray{details: map[string]string{
		"v1": `{"id":"v1","name":"pvc-abc","state":"Not_Mapped","metadata":{"csi.k8s.namespace":"prod"}}`,
	}}
	client, _ := newTestClient(t, f, nil)

	v, err := client.GetVolume(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, "pvc-abc", v.Name)

	mapped, ok := v.Mapped()
	assert.True(t, ok)
	assert.False(t, mapped)

	ns, ok := v.Namespace()
	assert.True(t, ok)
	assert.Equal(t, "prod", ns)
}

func TestGetVolume_NotFound(t *testing.T) {
	f := &fakeArray{details: map[string]string{}}
	client, _ := newTestClient(t, f, nil)

	_, err := client.GetVolume(context.Background(), "missing")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeleteVolume_Outcomes(t *testing.T) {
	f := &fakeArray{
		deleteStatus: map[string]int{
			"ok":      http.StatusNoContent,
			"refused": http.StatusUnprocessableEntity,
			"broken":  http.StatusInternalServerError,
		},
		deleteBody: map[string]string{
			"refused": `{"messages":[{"code":"0xE0A0E0010003","severity":"Error","message_l10n":"Volume is attached to a host."}]}`,
		},
	}
	client, _ := newTestClient(t, f, nil)
	ctx := context.Background()

	ok, err := client.DeleteVolume(ctx, "ok")
	require.NoError(t, err)
	assert.True(t, ok.Deleted)
	assert.False(t, ok.Refused)

	refused, err := client.DeleteVolume(ctx, "refused")
	require.NoError(t, err, "a policy refusal is an outcome, not an error")
	assert.False(t, refused.Deleted)
	assert.True(t, refused.Refused)
	assert.Equal(t, "Volume is attached to a host.", refused.VendorMessage)
	assert.Equal(t, http.StatusUnprocessableEntity, refused.HTTPStatus)

	_, err = client.DeleteVolume(ctx, "broken")
	require.Error(t, err)
}

func TestVolumeMapped_MissingData(t *testing.T) {
	v := Volume{ID: "v1"} // firmware that exposes only the id
	_, ok := v.Mapped()
	assert.False(t, ok, "missing state must be reported as unverifiable")
}
