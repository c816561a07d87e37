package gateway

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/hub"
	"github.com/2389/coven-chat/internal/store"
)

var testSecret = []byte("gateway-test-secret-0123456789ab")

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	gw       *Gateway
	hub      *hub.Hub
	store    *store.MockStore
	verifier *auth.JWTVerifier
	srv      *httptest.Server
}

// newTestGateway serves a gateway over an in-memory store with users alice, bob and carol.
func newTestGateway(t *testing.T) *testEnv {
	t.Helper()
	s := store.NewMockStore()
	for _, h := range []string{"alice", "bob", "carol"} {
		require.NoError(t, s.CreateUser(t.Context(), &store.User{ID: h, Handle: h, DisplayName: "User " + h, CreatedAt: time.Now()}))
	}

	verifier := auth.NewJWTVerifier(testSecret)
	h := hub.New(hub.Options{Store: s, Verifier: verifier}, hub.Config{}, testLogger())
	gw := NewWithDeps(config.Default(), Deps{Store: s, Hub: h, Verifier: verifier}, testLogger())

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{gw: gw, hub: h, store: s, verifier: verifier, srv: srv}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.verifier.Generate(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) direct(t *testing.T, a, b string) *store.Conversation {
	t.Helper()
	conv, _, err := e.hub.CreateDirect(t.Context(), a, b)
	require.NoError(t, err)
	return conv
}
