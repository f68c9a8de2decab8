package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pixelproof/adcapture/internal/capture"
)

func TestCheckReachablePage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	p := New(Config{Timeout: 2 * time.Second})
	require.NoError(t, p.Check(context.Background(), srv.URL))
}

func TestCheckReportsServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(Config{Timeout: 2 * time.Second})
	err := p.Check(context.Background(), srv.URL)
	require.Error(t, err)
	require.Equal(t, capture.ClassNetwork, capture.Classify(err))
}

func TestCheckUnreachableHost(t *testing.T) {
	t.Parallel()

	p := New(Config{Timeout: time.Second})
	err := p.Check(context.Background(), "http://127.0.0.1:1")
	require.Error(t, err)
	require.Equal(t, capture.ClassNetwork, capture.Classify(err))
}

func TestCheckHonorsContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := New(Config{Timeout: 5 * time.Second})
	err := p.Check(ctx, srv.URL)
	require.Error(t, err)
	require.Equal(t, capture.ClassTimeout, capture.Classify(err))
}

func TestCheckSendsUserAgent(t *testing.T) {
	t.Parallel()

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
	}))
	defer srv.Close()

	p := New(Config{UserAgent: "adcapture-probe/1.0", Timeout: 2 * time.Second})
	require.NoError(t, p.Check(context.Background(), srv.URL))
	require.Equal(t, "adcapture-probe/1.0", gotUA)
}
