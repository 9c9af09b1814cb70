package arweave

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientGatewayReads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tx_anchor":
			io.WriteString(w, "anchor-value\n")
		case "/price/1024":
			io.WriteString(w, "98765")
		case "/wallet/addr-1/balance":
			io.WriteString(w, "2500000000000")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	ctx := context.Background()

	t.Run("tx anchor", func(t *testing.T) {
		anchor, err := c.TxAnchor(ctx)
		require.NoError(t, err)
		assert.Equal(t, "anchor-value", anchor)
	})

	t.Run("price", func(t *testing.T) {
		price, err := c.Price(ctx, 1024)
		require.NoError(t, err)
		assert.Equal(t, "98765", price)
	})

	t.Run("balance", func(t *testing.T) {
		winston, err := c.Balance(ctx, "addr-1")
		require.NoError(t, err)
		assert.Equal(t, "2500000000000", winston.String())
		assert.InDelta(t, 2.5, WinstonToAR(winston), 1e-9)
	})
}

func TestClientSubmitTransaction(t *testing.T) {
	var got Transaction
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/tx", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tx := NewDataTransaction([]byte("payload"), BundleTags(), testAnchor(t), "42")
	require.NoError(t, tx.Sign(testWallet(t), zeroReader{}))

	c := NewClient(srv.URL, "")
	require.NoError(t, c.SubmitTransaction(context.Background(), tx))
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, tx.DataRoot, got.DataRoot)
	assert.Equal(t, 2, got.Format)
}

func TestClientTransactionStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tx/confirmed/status":
			json.NewEncoder(w).Encode(TxStatus{BlockHeight: 1200, Confirmations: 12})
		case "/tx/pending/status":
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	ctx := context.Background()

	t.Run("confirmed", func(t *testing.T) {
		status, err := c.TransactionStatus(ctx, "confirmed")
		require.NoError(t, err)
		assert.False(t, status.Pending)
		assert.EqualValues(t, 12, status.Confirmations)
	})

	t.Run("pending", func(t *testing.T) {
		status, err := c.TransactionStatus(ctx, "pending")
		require.NoError(t, err)
		assert.True(t, status.Pending)
		assert.Zero(t, status.Confirmations)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := c.TransactionStatus(ctx, "missing")
		assert.ErrorIs(t, err, ErrTxNotFound)
	})
}

func TestClientSubmitItem(t *testing.T) {
	t.Run("posts raw bytes to the bundler", func(t *testing.T) {
		var gotBody []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/tx", r.URL.Path)
			require.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		c := NewClient("http://gateway.invalid", srv.URL)
		require.NoError(t, c.SubmitItem(context.Background(), []byte{1, 2, 3}))
		assert.Equal(t, []byte{1, 2, 3}, gotBody)
	})

	t.Run("402 maps to ErrPaymentRequired", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "insufficient funds", http.StatusPaymentRequired)
		}))
		defer srv.Close()

		c := NewClient("http://gateway.invalid", srv.URL)
		err := c.SubmitItem(context.Background(), []byte{1})
		assert.ErrorIs(t, err, ErrPaymentRequired)
	})

	t.Run("no bundler configured", func(t *testing.T) {
		c := NewClient("http://gateway.invalid", "")
		assert.Error(t, c.SubmitItem(context.Background(), []byte{1}))
	})
}
