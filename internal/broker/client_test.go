package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"talon/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accountFixture(id uint) store.Account {
	return store.Account{ID: id, Name: "primary", HostURL: "http://127.0.0.1:0", APIKey: "k"}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "test-key", WithRateLimit(1000))
	return c, srv
}

func TestOrderStatusParsesEnvelope(t *testing.T) {
	var gotPayload map[string]any
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/orderstatus", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","data":{"order_status":"COMPLETE","average_price":182.55}}`))
	})

	state, err := c.OrderStatus(context.Background(), "240801000123", "iron-condor")
	require.NoError(t, err)
	assert.Equal(t, "complete", state.Status)
	assert.Equal(t, 182.55, state.AveragePrice)
	assert.Equal(t, "test-key", gotPayload["apikey"])
	assert.Equal(t, "240801000123", gotPayload["orderid"])
}

func TestPostClassifiesBusinessRejection(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"error","message":"insufficient margin"}`))
	})

	_, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "NIFTY24AUG24000CE", Exchange: "NFO", Side: "BUY", Quantity: 75})
	require.Error(t, err)
	assert.True(t, IsRejection(err))
	assert.False(t, IsTransport(err))
	assert.Contains(t, err.Error(), "insufficient margin")
}

func TestPostClassifiesServerErrorAsTransport(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	err := c.CancelOrder(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.False(t, IsRejection(err))
}

func TestPostClassifiesGarbageBodyAsTransport(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>gateway timeout</html>"))
	})

	_, err := c.Quotes(context.Background(), "NIFTY", "NSE")
	require.Error(t, err)
	assert.True(t, IsTransport(err))
}

func TestPlaceOrderRequiresOrderID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{}}`))
	})

	_, err := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "X", Exchange: "NFO", Side: "SELL", Quantity: 1})
	require.Error(t, err)
	assert.True(t, IsRejection(err))
}

func TestQuotesRejectsZeroLTP(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"ltp":0}}`))
	})

	_, err := c.Quotes(context.Background(), "NIFTY", "NSE")
	require.Error(t, err)
	assert.True(t, IsRejection(err))
}

func TestRateLimiterHonorsCancelledContext(t *testing.T) {
	rl := newRateLimiter(0.001)
	require.NoError(t, rl.wait(context.Background())) // first token is free

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := rl.wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSnapshotCacheFallsBackToCachedOnError(t *testing.T) {
	healthy := true
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"status":"success","data":[{"symbol":"NIFTY24AUG24000CE","exchange":"NFO","quantity":-75,"ltp":120.5}]}`))
	})

	cache := NewSnapshotCache(c, time.Millisecond)
	rows, err := cache.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	healthy = false
	time.Sleep(5 * time.Millisecond) // let the TTL lapse
	rows, err = cache.Positions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "NIFTY24AUG24000CE", rows[0].Symbol)
}

func TestFactoryReturnsSameClientPerAccount(t *testing.T) {
	f := NewFactory(1, time.Second, time.Second)
	acc := accountFixture(1)
	c1 := f.ClientFor(acc)
	c2 := f.ClientFor(acc)
	assert.Same(t, c1, c2)

	f.Forget(acc.ID)
	c3 := f.ClientFor(acc)
	assert.NotSame(t, c1, c3)
}
