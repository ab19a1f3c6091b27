package networking

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHttpClientBuilder(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		client, err := NewHttpClientBuilder().Build()
		require.NoError(t, err)
		assert.Equal(t, HttpTimeout, client.Timeout)
	})

	t.Run("custom timeout", func(t *testing.T) {
		t.Parallel()
		client, err := NewHttpClientBuilder().WithTimeout(5 * time.Second).Build()
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, client.Timeout)
	})

	t.Run("zero timeout keeps default", func(t *testing.T) {
		t.Parallel()
		client, err := NewHttpClientBuilder().WithTimeout(0).Build()
		require.NoError(t, err)
		assert.Equal(t, HttpTimeout, client.Timeout)
	})

	t.Run("missing CA bundle fails", func(t *testing.T) {
		t.Parallel()
		_, err := NewHttpClientBuilder().WithCABundle("/does/not/exist.pem").Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CA certificate bundle")
	})

	t.Run("bearer token added to requests", func(t *testing.T) {
		t.Parallel()
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		client, err := NewHttpClientBuilder().WithBearerToken("sekrit").Build()
		require.NoError(t, err)

		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, "Bearer sekrit", gotAuth)
	})

	t.Run("require HTTPS rejects plain HTTP", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		client, err := NewHttpClientBuilder().WithRequireHTTPS(true).Build()
		require.NoError(t, err)

		_, err = client.Get(srv.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not HTTPS")
	})
}
