package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenPage = `<html><head><meta name="csrf-token" content="%s"></head>
<body><form><input type="hidden" name="authenticity_token" value="%s"></form></body></html>`

// fakeMarketplace records what the client sent and answers with canned pages.
type fakeMarketplace struct {
	mu       sync.Mutex
	requests []*http.Request
	forms    []map[string][]string

	signInStatus int
	claimStatus  atomic.Int32
	graphql      func(operation string, offset, limit int) (int, string)
	download     func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeMarketplace) record(r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	f.forms = append(f.forms, r.PostForm)
}

func (f *fakeMarketplace) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Method == method && r.URL.Path == path {
			n++
		}
	}
	return n
}

func (f *fakeMarketplace) last(method, path string) (*http.Request, map[string][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].Method == method && f.requests[i].URL.Path == path {
			return f.requests[i], f.forms[i]
		}
	}
	return nil, nil
}

func (f *fakeMarketplace) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /en/users/sign-in", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		http.SetCookie(w, &http.Cookie{Name: "_session", Value: "s1", Path: "/"})
		fmt.Fprintf(w, tokenPage, "signin-csrf", "signin-auth")
	})
	mux.HandleFunc("POST /en/users/sign-in", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		status := f.signInStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	})
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		fmt.Fprintf(w, tokenPage, "home-csrf", "home-auth")
	})
	mux.HandleFunc("POST /en/free_orders", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		status := int(f.claimStatus.Load())
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	})
	mux.HandleFunc("POST /graphql", func(w http.ResponseWriter, r *http.Request) {
		var body graphqlRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.record(r)
		status, payload := f.graphql(body.OperationName, body.Variables["offset"], body.Variables["limit"])
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, payload)
	})
	mux.HandleFunc("GET /files/", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.download(w, r)
	})
	return mux
}

func newTestClient(t *testing.T, fake *fakeMarketplace) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	client, err := NewClient(Credentials{
		Email:    "maker@example.com",
		Password: "hunter2",
		Nickname: "maker",
		APIKey:   "key-123",
	}, WithBaseURL(server.URL))
	require.NoError(t, err)
	return client, server
}

func creationJSON(slug string, cents int) string {
	return fmt.Sprintf(`{"id":"%s-id","name":"%s","slug":"%s","tags":["t1"],"creator":{"nick":"bob"},"price":{"cents":%d},"illustrations":[{"imageUrl":"https://img/%s.png"}]}`,
		slug, slug, slug, cents, slug)
}

func TestLoginSubmitsCredentialsWithPageTokens(t *testing.T) {
	fake := &fakeMarketplace{signInStatus: http.StatusBadRequest}
	client, _ := newTestClient(t, fake)

	require.NoError(t, client.Login(context.Background()))
	assert.True(t, client.IsAuthenticated())

	req, form := fake.last(http.MethodPost, signInPath)
	require.NotNil(t, req)
	assert.Equal(t, "maker@example.com", form["user[email]"][0])
	assert.Equal(t, "hunter2", form["user[password]"][0])
	assert.Equal(t, DefaultTimeZone, form["user[time_zone]"][0])
	assert.Equal(t, "Sign in", form["commit"][0])
	assert.Equal(t, "signin-auth", form["authenticity_token"][0])
	assert.Equal(t, "signin-csrf", req.Header.Get("X-CSRF-Token"))
	assert.Equal(t, DefaultUserAgent, req.Header.Get("User-Agent"))

	cookie, err := req.Cookie("_session")
	require.NoError(t, err, "session cookie from the sign-in page is sent back")
	assert.Equal(t, "s1", cookie.Value)

	// Idempotent
	require.NoError(t, client.Login(context.Background()))
	assert.Equal(t, 2, fake.count(http.MethodPost, signInPath))
}

func TestLoginRejected(t *testing.T) {
	fake := &fakeMarketplace{signInStatus: http.StatusInternalServerError}
	client, _ := newTestClient(t, fake)

	err := client.Login(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteRejected)
	assert.False(t, client.IsAuthenticated())

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, http.StatusInternalServerError, remote.StatusCode)
}

func TestClaimFreeRequiresLogin(t *testing.T) {
	fake := &fakeMarketplace{}
	client, _ := newTestClient(t, fake)

	err := client.ClaimFree(context.Background(), "a")
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Empty(t, fake.requests)
}

func TestClaimFreeUsesFreshHomepageToken(t *testing.T) {
	fake := &fakeMarketplace{}
	client, _ := newTestClient(t, fake)
	require.NoError(t, client.Login(context.Background()))

	require.NoError(t, client.ClaimFree(context.Background(), "benchy"))

	req, form := fake.last(http.MethodPost, freeOrderPath)
	require.NotNil(t, req)
	assert.Equal(t, "benchy", req.URL.Query().Get("creation_slug"))
	assert.Equal(t, "home-auth", form["authenticity_token"][0])
	assert.Equal(t, "home-csrf", req.Header.Get("X-CSRF-Token"))
	assert.Equal(t, 1, fake.count(http.MethodGet, "/"))

	fake.claimStatus.Store(http.StatusUnprocessableEntity)
	err := client.ClaimFree(context.Background(), "benchy")
	assert.ErrorIs(t, err, ErrRemoteRejected)
}

func TestLikedPaginatesUntilShortPage(t *testing.T) {
	fake := &fakeMarketplace{
		graphql: func(operation string, offset, limit int) (int, string) {
			if operation != opLikedCreations {
				return http.StatusBadRequest, `{}`
			}
			switch offset {
			case 0:
				return http.StatusOK, fmt.Sprintf(`{"data":{"me":{"likedCreations":[%s,%s]}}}`, creationJSON("a", 0), creationJSON("b", 150))
			case 2:
				return http.StatusOK, fmt.Sprintf(`{"data":{"me":{"likedCreations":[%s]}}}`, creationJSON("c", 0))
			}
			return http.StatusOK, `{"data":{"me":{"likedCreations":[]}}}`
		},
	}
	client, _ := newTestClient(t, fake)

	var slugs []string
	for creation, err := range client.Liked(context.Background(), 2) {
		require.NoError(t, err)
		slugs = append(slugs, creation.Slug)
	}

	assert.Equal(t, []string{"a", "b", "c"}, slugs)
	assert.Equal(t, 2, fake.count(http.MethodPost, graphqlPath))

	req, _ := fake.last(http.MethodPost, graphqlPath)
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "maker", user)
	assert.Equal(t, "key-123", pass)
}

func TestOrdersFlattenLinesAndStopOnOrderCount(t *testing.T) {
	fake := &fakeMarketplace{
		graphql: func(operation string, offset, limit int) (int, string) {
			// one order with two lines on a page of size 2 is a short page
			return http.StatusOK, fmt.Sprintf(`{"data":{"me":{"orders":[{"id":"o1","lines":[
				{"downloadUrl":"https://dl/a.zip","creation":%s},
				{"downloadUrl":"https://dl/b.zip","creation":%s}]}]}}}`, creationJSON("a", 0), creationJSON("b", 0))
		},
	}
	client, _ := newTestClient(t, fake)

	var urls []string
	for line, err := range client.Orders(context.Background(), 2) {
		require.NoError(t, err)
		urls = append(urls, line.DownloadURL)
	}

	assert.Equal(t, []string{"https://dl/a.zip", "https://dl/b.zip"}, urls)
	assert.Equal(t, 1, fake.count(http.MethodPost, graphqlPath))
}

func TestGraphQLErrorsAreMalformed(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
		kind    error
	}{
		{"errors array", http.StatusOK, `{"errors":[{"message":"boom"}]}`, ErrMalformedResponse},
		{"missing me", http.StatusOK, `{"data":{}}`, ErrMalformedResponse},
		{"not json", http.StatusOK, `<html>`, ErrMalformedResponse},
		{"bad api key", http.StatusUnauthorized, `{}`, ErrAuthRequired},
		{"server error", http.StatusBadGateway, `{}`, ErrRemoteUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeMarketplace{
				graphql: func(string, int, int) (int, string) { return tt.status, tt.payload },
			}
			client, _ := newTestClient(t, fake)

			yielded := 0
			var lastErr error
			for _, err := range client.Liked(context.Background(), 10) {
				yielded++
				lastErr = err
			}
			assert.Equal(t, 1, yielded, "only the error is yielded")
			assert.ErrorIs(t, lastErr, tt.kind)
		})
	}
}

func TestDownloadFileStreamsWithResolvedName(t *testing.T) {
	fake := &fakeMarketplace{
		download: func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/files/none" {
				_, _ = io.WriteString(w, "data")
				return
			}
			w.Header().Set("Content-Disposition", `attachment; filename="fallback.zip"; filename*=UTF-8''mod%C3%A8le.zip`)
			_, _ = io.WriteString(w, "zip-bytes")
		},
	}
	client, server := newTestClient(t, fake)

	file, err := client.DownloadFile(context.Background(), server.URL+"/files/a")
	require.NoError(t, err)
	defer file.Body.Close()

	assert.Equal(t, "mod\u00e8le.zip", file.Filename)
	data, err := io.ReadAll(file.Body)
	require.NoError(t, err)
	assert.Equal(t, "zip-bytes", string(data))

	_, err = client.DownloadFile(context.Background(), server.URL+"/files/none")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestDownloadFileTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, err := NewClient(Credentials{}, WithBaseURL(url))
	require.NoError(t, err)

	_, err = client.DownloadFile(context.Background(), url+"/files/a")
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
}

func TestAttachmentFilename(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{`attachment; filename="a.zip"`, "a.zip"},
		{`attachment; filename=plain.stl`, "plain.stl"},
		{`attachment; filename*=UTF-8''%C3%A9t%C3%A9.stl`, "\u00e9t\u00e9.stl"},
		{`attachment; filename*=UTF-8''e%CC%81.stl`, "\u00e9.stl"}, // NFD input comes back composed
		{`attachment; filename="../../etc/passwd"`, "passwd"},
		{`attachment; filename="..\\evil.exe"`, "evil.exe"},
		{`attachment; filename=".."`, ""},
		{`attachment`, ""},
		{``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := AttachmentFilename(tt.header)
			if tt.want == "" {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
