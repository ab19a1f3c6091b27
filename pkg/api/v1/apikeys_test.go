package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate-io/keygate/pkg/apikeys"
)

func TestAPIKeyLifecycleEndpoints(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	router := f.apikeysRouter()
	aliceToken := f.sessionToken(t, "alice")

	var created createKeyResponse

	t.Run("create returns the raw key once", func(t *testing.T) {
		rec := doRequest(router, http.MethodPost, "/", aliceToken,
			createKeyRequest{Name: "ci", Scopes: []string{"logs:write"}})
		require.Equal(t, http.StatusCreated, rec.Code)

		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		assert.NotEmpty(t, created.APIKey)
		assert.Equal(t, "ci", created.Key.Name)
		assert.Equal(t, "alice", created.Key.UserID)
		assert.Equal(t, testTenant, created.Key.TenantID)
	})

	t.Run("list never discloses secret material", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/", aliceToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp keyListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Keys, 1)
		assert.Equal(t, created.Key.ID, resp.Keys[0].ID)
		assert.NotContains(t, rec.Body.String(), "secret_digest")
		assert.NotContains(t, rec.Body.String(), "challenge_key")
	})

	t.Run("nameless key is rejected", func(t *testing.T) {
		rec := doRequest(router, http.MethodPost, "/", aliceToken, createKeyRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("another member may not delete the key", func(t *testing.T) {
		rec := doRequest(router, http.MethodDelete, "/"+created.Key.ID, f.sessionToken(t, "bob"), nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("revoked key stops verifying but stays listed", func(t *testing.T) {
		rec := doRequest(router, http.MethodPost, fmt.Sprintf("/%s/revoke", created.Key.ID), aliceToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doRequest(router, http.MethodPost, "/verify", "", verifyKeyRequest{APIKey: created.APIKey})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		var verify keyVerifyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verify))
		assert.False(t, verify.Valid)

		rec = doRequest(router, http.MethodGet, "/", aliceToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp keyListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Keys, 1)
		assert.True(t, resp.Keys[0].Revoked)
	})

	t.Run("owner deletes the key", func(t *testing.T) {
		rec := doRequest(router, http.MethodDelete, "/"+created.Key.ID, aliceToken, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = doRequest(router, http.MethodGet, "/", aliceToken, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp keyListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Empty(t, resp.Keys)
	})
}

func TestVerifyKeyEndpoint(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	router := f.apikeysRouter()
	aliceToken := f.sessionToken(t, "alice")

	rec := doRequest(router, http.MethodPost, "/", aliceToken,
		createKeyRequest{Name: "ingest", Scopes: []string{"logs:write"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	t.Run("valid key", func(t *testing.T) {
		rec := doRequest(router, http.MethodPost, "/verify", "", verifyKeyRequest{APIKey: created.APIKey})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp keyVerifyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Valid)
		assert.Equal(t, "alice", resp.UserID)
		assert.Equal(t, testTenant, resp.TenantID)
		assert.Equal(t, []string{"logs:write"}, resp.Scopes)
	})

	t.Run("wrong secret", func(t *testing.T) {
		rec := doRequest(router, http.MethodPost, "/verify", "",
			verifyKeyRequest{APIKey: created.Key.ID + ".wrong-secret"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		var resp keyVerifyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Valid)
	})

	t.Run("malformed key", func(t *testing.T) {
		rec := doRequest(router, http.MethodPost, "/verify", "", verifyKeyRequest{APIKey: "no-dot-here"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestChallengeEndpoints(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	router := f.apikeysRouter()
	aliceToken := f.sessionToken(t, "alice")

	rec := doRequest(router, http.MethodPost, "/", aliceToken,
		createKeyRequest{Name: "ci", Scopes: []string{"logs:write"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created createKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	newChallenge := func(t *testing.T) string {
		rec := doRequest(router, http.MethodGet, "/challenge", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp challengeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 300, resp.ExpiresIn)
		require.NotEmpty(t, resp.Challenge)
		return resp.Challenge
	}

	t.Run("challenge round trip and replay", func(t *testing.T) {
		challenge := newChallenge(t)
		response, err := apikeys.ComputeChallengeResponse(created.APIKey, challenge)
		require.NoError(t, err)

		rec := doRequest(router, http.MethodPost, "/verify-challenge", "",
			verifyChallengeRequest{Challenge: challenge, Response: response})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp keyVerifyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Valid)
		assert.Equal(t, "alice", resp.UserID)
		assert.Equal(t, testTenant, resp.TenantID)
		assert.Equal(t, []string{"logs:write"}, resp.Scopes)

		// The same answer again: the challenge was consumed.
		rec = doRequest(router, http.MethodPost, "/verify-challenge", "",
			verifyChallengeRequest{Challenge: challenge, Response: response})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		resp = keyVerifyResponse{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Valid)
	})

	t.Run("wrong MAC", func(t *testing.T) {
		challenge := newChallenge(t)
		response, err := apikeys.ComputeChallengeResponse(created.Key.ID+".not-the-secret", challenge)
		require.NoError(t, err)

		rec := doRequest(router, http.MethodPost, "/verify-challenge", "",
			verifyChallengeRequest{Challenge: challenge, Response: response})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("deleted key no longer answers", func(t *testing.T) {
		rec := doRequest(router, http.MethodDelete, "/"+created.Key.ID, aliceToken, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		challenge := newChallenge(t)
		response, err := apikeys.ComputeChallengeResponse(created.APIKey, challenge)
		require.NoError(t, err)

		rec = doRequest(router, http.MethodPost, "/verify-challenge", "",
			verifyChallengeRequest{Challenge: challenge, Response: response})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
