package cli

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tether/internal/ir"
	"github.com/roach88/tether/internal/remote"
	"github.com/roach88/tether/internal/remote/memremote"
	"github.com/roach88/tether/internal/remote/wsremote"
)

func TestRemoteRouter_Health(t *testing.T) {
	srv := httptest.NewServer(NewRemoteRouter(memremote.New(), discardLogger(), ""))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	res, err = http.Get(srv.URL + "/missing")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestRemoteRouter_RPC(t *testing.T) {
	backend := memremote.New(memremote.WithPageSize(1))
	backend.Put(ir.NewRecord("Post", "p1", ir.P("title", ir.String("a"))))
	backend.Put(ir.NewRecord("Post", "p2", ir.P("title", ir.String("b"))))

	srv := httptest.NewServer(NewRemoteRouter(backend, discardLogger(), "secret"))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/rpc"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	anonymous, err := wsremote.Dial(ctx, url)
	require.NoError(t, err)
	defer anonymous.Close()
	_, err = anonymous.FetchAll(ctx, "Post", "")
	assert.Equal(t, remote.KindAuth, remote.KindOf(err))

	client, err := wsremote.Dial(ctx, url, wsremote.WithCredentials(remote.StaticCredentials("secret")))
	require.NoError(t, err)
	defer client.Close()

	page, err := client.FetchAll(ctx, "Post", "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.True(t, page.More)
}

func TestServe_BadPageSize(t *testing.T) {
	_, err := execute(NewServeCommand(&RootOptions{Format: "text"}), "--page-size", "0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	cmd := NewServeCommand(&RootOptions{Format: "text"})
	cmd.SetContext(ctx)
	_, err := execute(cmd, "--addr", "127.0.0.1:0")
	assert.NoError(t, err)
}
