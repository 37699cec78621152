package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaddesk/models"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestPollPublishesLatestQuotes(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "EURUSD,XAUUSD", r.URL.Query().Get("symbols"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"symbol":"XAUUSD","price":2300.5,"change":1.2},{"symbol":"EURUSD","price":1.08,"change":-0.1}]`)
	}))
	defer srv.Close()

	pw := NewPriceWorker(srv.URL, []string{"EURUSD", "XAUUSD"}, time.Minute, quietLogger())
	var got [][]models.Quote
	pw.Quotes.Subscribe(func(q []models.Quote) { got = append(got, q) })

	pw.poll()
	require.Len(t, got, 1)
	latest := pw.Latest()
	require.Len(t, latest, 2)
	assert.Equal(t, "EURUSD", latest[0].Symbol)
	assert.InDelta(t, 2300.5, latest[1].Price, 1e-9)
	assert.False(t, latest[0].UpdatedAt.IsZero())

	// a failed poll keeps the last quotes and publishes nothing
	fail.Store(true)
	pw.poll()
	assert.Len(t, got, 1)
	assert.Len(t, pw.Latest(), 2)
}

func TestStartWithoutFeedReturns(t *testing.T) {
	pw := NewPriceWorker("", nil, time.Second, quietLogger())
	done := make(chan struct{})
	go func() {
		pw.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker without feed should return")
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	pw := NewPriceWorker(srv.URL, nil, 10*time.Millisecond, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pw.Start(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
