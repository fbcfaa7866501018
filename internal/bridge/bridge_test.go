package bridge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/towns-xyz/github-bridge/internal/credentials"
)

type fakeCredentialCallback struct {
	result *credentials.CallbackResult
	err    error
}

func (f fakeCredentialCallback) Callback(context.Context, string, string) (*credentials.CallbackResult, error) {
	return f.result, f.err
}

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHandleHealth_OKWhenStoreReachable(t *testing.T) {
	s := New(http.NotFoundHandler(), fakeCredentialCallback{}, fakePinger{}, zerolog.Nop())
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"ok","database":"ok"}`, string(body))
}

func TestHandleHealth_UnavailableWhenStoreUnreachable(t *testing.T) {
	s := New(http.NotFoundHandler(), fakeCredentialCallback{}, fakePinger{err: errors.New("down")}, zerolog.Nop())
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"ok","database":"unavailable"}`, string(body))
}

func TestHandleOAuthCallback_MissingParamsRejected(t *testing.T) {
	s := New(http.NotFoundHandler(), fakeCredentialCallback{}, fakePinger{}, zerolog.Nop())
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/oauth/callback")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleOAuthCallback_InvalidStateRendersBadRequest(t *testing.T) {
	s := New(http.NotFoundHandler(), fakeCredentialCallback{err: credentials.ErrInvalidState}, fakePinger{}, zerolog.Nop())
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/oauth/callback?code=abc&state=xyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleOAuthCallback_SuccessRendersPage(t *testing.T) {
	s := New(http.NotFoundHandler(), fakeCredentialCallback{result: &credentials.CallbackResult{GitHubLogin: "octocat"}}, fakePinger{}, zerolog.Nop())
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/oauth/callback?code=abc&state=xyz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
