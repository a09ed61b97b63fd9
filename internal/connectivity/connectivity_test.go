package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_NotifiesOnlyOnChange(t *testing.T) {
	s := NewSignal(false)

	var got []bool
	unsubscribe := s.Subscribe(func(online bool) { got = append(got, online) })

	s.Set(false)
	s.Set(true)
	s.Set(true)
	s.Set(false)
	assert.Equal(t, []bool{true, false}, got)

	unsubscribe()
	unsubscribe()
	s.Set(true)
	assert.Len(t, got, 2)
	assert.True(t, s.IsOnline())
}

func TestSignal_SubscriberMaySubscribe(t *testing.T) {
	s := NewSignal(false)

	var inner atomic.Int32
	s.Subscribe(func(bool) {
		s.Subscribe(func(bool) { inner.Add(1) })
	})

	s.Set(true)
	s.Set(false)
	assert.EqualValues(t, 1, inner.Load())
}

func TestProber_FollowsHealthEndpoint(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sig := NewSignal(true)
	p := NewProber(srv.URL, time.Hour, sig)

	assert.False(t, p.ProbeOnce(context.Background()))
	assert.False(t, sig.IsOnline())

	healthy.Store(true)
	assert.True(t, p.ProbeOnce(context.Background()))
	assert.True(t, sig.IsOnline())

	srv.Close()
	assert.False(t, p.ProbeOnce(context.Background()))
}

func TestProber_StartProbesImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sig := NewSignal(false)
	changed := make(chan bool, 1)
	sig.Subscribe(func(online bool) { changed <- online })

	p := NewProber(srv.URL, time.Hour, sig)
	p.Start()
	p.Start()
	defer p.Stop()

	select {
	case online := <-changed:
		require.True(t, online)
	case <-time.After(5 * time.Second):
		t.Fatal("prober did not report online")
	}
}
