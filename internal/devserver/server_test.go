package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gorilla/websocket"
	"github.com/stackkit-dev/stackkit/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routedRuntime serves a different fake handler per route name, taken from
// the bundle path.
type routedRuntime map[string]Handler

func (r routedRuntime) Load(_ context.Context, path string, _ int64) (Handler, error) {
	name := filepath.Base(filepath.Dir(filepath.Dir(path)))
	if h, ok := r[name]; ok {
		return h, nil
	}
	return nil, errors.New("no fake for " + name)
}

func testServer(t *testing.T) *httptest.Server {
	ts, _ := newTestServer(t)
	return ts
}

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("FROM_DOTENV=yes\nSHARED=dotenv\n"), 0o644))
	devRoot := filepath.Join(root, ".stackkit_dev")

	routes := []config.Route{
		{Path: "/users/{id}", Method: "GET", Handler: filepath.Join(root, "src", "users.ts"), Environment: map[string]string{"SHARED": "route"}},
		{Path: "/secret", Method: "GET", Handler: filepath.Join(root, "src", "secret.ts"), Auth: &config.Auth{Type: config.AuthAPIKey, Required: true}},
		{Path: "/slow", Method: "GET", Handler: filepath.Join(root, "src", "slow.ts"), Timeout: 0},
		{Path: "/boom", Method: "POST", Handler: filepath.Join(root, "src", "boom.ts")},
		{Path: "/plain", Method: "GET", Handler: filepath.Join(root, "src", "plain.ts")},
	}
	for _, name := range []string{"users", "secret", "slow", "boom", "plain"} {
		mkBundle(t, filepath.Join(devRoot, "wrapped", name, "1.a"))
	}

	rt := routedRuntime{
		"users": handlerFunc(func(_ context.Context, raw json.RawMessage, env map[string]string) (json.RawMessage, error) {
			var evt events.APIGatewayProxyRequest
			if err := json.Unmarshal(raw, &evt); err != nil {
				return nil, err
			}
			body, _ := json.Marshal(map[string]string{
				"id":     evt.PathParameters["id"],
				"q":      evt.QueryStringParameters["q"],
				"dotenv": env["FROM_DOTENV"],
				"shared": env["SHARED"],
				"route":  env["STACKKIT_ROUTE"],
			})
			return json.Marshal(events.APIGatewayProxyResponse{
				StatusCode: 201,
				Headers:    map[string]string{"Content-Type": "application/json", "X-Test": "1"},
				Body:       string(body),
			})
		}),
		"secret": handlerFunc(func(context.Context, json.RawMessage, map[string]string) (json.RawMessage, error) {
			return json.RawMessage(`{"statusCode":200,"body":"top secret"}`), nil
		}),
		"slow": handlerFunc(func(ctx context.Context, _ json.RawMessage, _ map[string]string) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		"boom": handlerFunc(func(context.Context, json.RawMessage, map[string]string) (json.RawMessage, error) {
			return nil, &HandlerError{Message: "kaboom", Stack: "at boom.ts:1"}
		}),
		"plain": handlerFunc(func(context.Context, json.RawMessage, map[string]string) (json.RawMessage, error) {
			return json.RawMessage(`{"hello":"world"}`), nil
		}),
	}

	cfg := &config.Config{
		Root:  root,
		Stage: "dev",
		Dev:   config.Dev{HandlerTimeout: 100 * time.Millisecond},
	}
	router, err := NewRouter(routes, devRoot)
	require.NoError(t, err)
	metrics := NewMetrics()
	srv, err := NewServer(ServerOptions{
		Config:  cfg,
		Router:  router,
		Loader:  NewLoader(LoaderOptions{Runtime: rt, DevRoot: devRoot, Metrics: metrics}),
		Metrics: metrics,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return ts, srv
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServerInvokesHandler(t *testing.T) {
	ts := testServer(t)
	resp, err := http.Get(ts.URL + "/users/42?q=term")
	require.NoError(t, err)

	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-Test"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, map[string]any{
		"id":     "42",
		"q":      "term",
		"dotenv": "yes",
		"shared": "route",
		"route":  "users",
	}, decodeBody(t, resp))
}

func TestServerPlainResult(t *testing.T) {
	ts := testServer(t)
	resp, err := http.Get(ts.URL + "/plain")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"hello": "world"}, decodeBody(t, resp))
}

func TestServerNotFound(t *testing.T) {
	ts := testServer(t)
	resp, err := http.Post(ts.URL+"/users/42", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, map[string]any{"error": "Not Found", "path": "/users/42", "method": "POST"}, decodeBody(t, resp))
}

func TestServerRequiresAPIKey(t *testing.T) {
	ts := testServer(t)
	resp, err := http.Get(ts.URL + "/secret")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/secret", nil)
	req.Header.Set("x-api-key", "k")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "top secret", string(body))
}

func TestServerTimeout(t *testing.T) {
	ts := testServer(t)
	resp, err := http.Get(ts.URL + "/slow")
	require.NoError(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	resp.Body.Close()
}

func TestServerHandlerError(t *testing.T) {
	ts := testServer(t)
	resp, err := http.Post(ts.URL+"/boom", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "kaboom", body["message"])
	assert.Equal(t, "at boom.ts:1", body["stack"])
}

func TestServerPreflightAndHealth(t *testing.T) {
	ts := testServer(t)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/anything", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Access-Control-Allow-Methods"))
	resp.Body.Close()

	resp, err = http.Get(ts.URL + HealthPath)
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 5, body["routes"])
}

func TestServerMetrics(t *testing.T) {
	ts := testServer(t)
	resp, err := http.Get(ts.URL + "/plain")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + MetricsPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), `stackkit_dev_invocations_total{route="plain",status="200"} 1`)
	assert.Contains(t, string(data), `stackkit_dev_module_loads_total{result="ok"} 1`)
}

func TestNewProxyRequestEncodesBinaryBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/upload?a=1&a=2", nil)
	m := &Match{Route: config.Route{Path: "/upload"}, Name: "upload", Params: map[string]string{}}
	evt := NewProxyRequest(r, m, []byte{0xff, 0xfe}, "dev")

	assert.True(t, evt.IsBase64Encoded)
	assert.Equal(t, "//4=", evt.Body)
	assert.Equal(t, "2", evt.QueryStringParameters["a"])
	assert.Equal(t, []string{"1", "2"}, evt.MultiValueQueryStringParameters["a"])
	assert.Equal(t, "/upload", evt.Resource)
	assert.NotEmpty(t, evt.RequestContext.RequestID)
}

func TestServerBroadcastsReload(t *testing.T) {
	ts, srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + EventsPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The client registers asynchronously; keep reloading until one arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			srv.Reload([]string{"src/users.ts"})
			select {
			case <-done:
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}()

	var msg reloadPayload
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "reload", msg.Type)
	assert.Equal(t, []string{"src/users.ts"}, msg.Files)
}
