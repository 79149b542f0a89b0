package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestNewRequestDerivesDistinctHashes(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	a := NewRequest("ethereum", "polygon", "0xTOKEN", uint256.NewInt(10), now)
	b := NewRequest("ethereum", "polygon", "0xTOKEN", uint256.NewInt(10), now)
	require.NotEqual(t, a.TxHash, b.TxHash)
	require.Equal(t, StatusPending, a.Status)
	require.Equal(t, "0xtoken", a.Token)
	require.Len(t, a.TxHash, 66)
}

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	req := NewRequest("ethereum", "polygon", "0xtoken", uint256.NewInt(5), time.Now())

	require.NoError(t, repo.Create(ctx, req))
	require.ErrorIs(t, repo.Create(ctx, req), ErrDuplicate)

	got, err := repo.ByTxHash(ctx, req.TxHash)
	require.NoError(t, err)
	require.Equal(t, req.ID, got.ID)

	require.NoError(t, repo.MarkAttempt(ctx, req.ID, StatusSubmitted, ""))
	got, err = repo.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, got.Status)
	require.Equal(t, 1, got.Attempts)

	pending, err := repo.ListByStatus(ctx, StatusPending, 0)
	require.NoError(t, err)
	require.Empty(t, pending)

	_, err = repo.Get(ctx, [16]byte{1})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPRelayerSubmit(t *testing.T) {
	var got map[string]string
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	req := NewRequest("ethereum", "polygon", "0xtoken", uint256.NewInt(7), time.Now())
	require.NoError(t, NewHTTPRelayer(srv.URL, nil).Submit(context.Background(), req))
	require.Equal(t, req.TxHash, key)
	require.Equal(t, "7", got["amount"])

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	require.Error(t, NewHTTPRelayer(failing.URL, nil).Submit(context.Background(), req))
}
