package networking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoPayload struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestFetchJSON(t *testing.T) {
	t.Parallel()

	t.Run("parses successful response", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, ContentTypeJSON, r.Header.Get("Accept"))
			w.Header().Set("Content-Type", ContentTypeJSON)
			_ = json.NewEncoder(w).Encode(echoPayload{Name: "ok", Value: 7})
		}))
		defer srv.Close()

		res, err := FetchJSON[echoPayload](context.Background(), srv.Client(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Data.Name)
		assert.Equal(t, 7, res.Data.Value)
		assert.Equal(t, http.StatusOK, res.StatusCode)
	})

	t.Run("accepts 201 by default", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"name":"created"}`))
		}))
		defer srv.Close()

		res, err := FetchJSON[echoPayload](context.Background(), srv.Client(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, "created", res.Data.Name)
	})

	t.Run("returns HTTPError with body preview on failure", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream exploded"))
		}))
		defer srv.Close()

		_, err := FetchJSON[echoPayload](context.Background(), srv.Client(), srv.URL)
		require.Error(t, err)
		require.True(t, IsHTTPError(err, http.StatusBadGateway))

		var httpErr *HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, "upstream exploded", httpErr.Body)
	})

	t.Run("custom error handler wins", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
		}))
		defer srv.Close()

		handlerErr := assert.AnError
		_, err := FetchJSON[echoPayload](context.Background(), srv.Client(), srv.URL,
			WithErrorHandler(func(_ *http.Response, body []byte) error {
				assert.Contains(t, string(body), "invalid_grant")
				return handlerErr
			}))
		require.ErrorIs(t, err, handlerErr)
	})

	t.Run("sends JSON body", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, ContentTypeJSON, r.Header.Get("Content-Type"))
			var got echoPayload
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			assert.Equal(t, "req", got.Name)
			_, _ = w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		_, err := FetchJSON[struct{}](context.Background(), srv.Client(), srv.URL,
			WithJSONBody(echoPayload{Name: "req"}))
		require.NoError(t, err)
	})

	t.Run("sends form body", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, ContentTypeFormURLEncoded, r.Header.Get("Content-Type"))
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "password", r.PostForm.Get("grant_type"))
			_, _ = w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		_, err := FetchJSON[struct{}](context.Background(), srv.Client(), srv.URL,
			WithFormBody(url.Values{"grant_type": {"password"}}))
		require.NoError(t, err)
	})

	t.Run("truncates oversized bodies", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"name":"` + strings.Repeat("x", 100) + `"}`))
		}))
		defer srv.Close()

		_, err := FetchJSON[echoPayload](context.Background(), srv.Client(), srv.URL,
			WithMaxResponseSize(10))
		require.Error(t, err, "truncated JSON should fail to parse")
	})
}

func TestIsHTTPError(t *testing.T) {
	t.Parallel()

	err := &HTTPError{StatusCode: 404, URL: "http://x", Body: "nope"}
	assert.True(t, IsHTTPError(err, 404))
	assert.True(t, IsHTTPError(err, 0))
	assert.False(t, IsHTTPError(err, 500))
	assert.False(t, IsHTTPError(assert.AnError, 0))
}
