package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rts.bridge/internal/transport"
)

func TestNewAuthenticator_EmptySecretDisables(t *testing.T) {
	assert.Nil(t, NewAuthenticator(""))
}

func TestAuthenticator_IssueVerify(t *testing.T) {
	a := NewAuthenticator("s3cret")

	token, err := a.Issue("script", time.Hour)
	require.NoError(t, err)

	claims, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "script", claims.Subject)

	_, err = NewAuthenticator("other").Verify(token)
	assert.Error(t, err)

	expired, err := a.Issue("script", -time.Minute)
	require.NoError(t, err)
	_, err = a.Verify(expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestAuthenticator_RejectsOtherAlgorithms(t *testing.T) {
	a := NewAuthenticator("s3cret")
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = a.Verify(token)
	assert.Error(t, err)
}

func TestRequire_GuardsWriteRoutesOnly(t *testing.T) {
	auth := NewAuthenticator("s3cret")
	sender := &fakeSender{outcome: transport.OutcomeConfirmed}
	mux := NewServer(sender, nil, openLink(true), auth).ServeMux()

	body := map[string]string{"command": "V"}

	w := postJSON(t, mux, "/api/commands", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	w = postJSON(t, mux, "/api/commands", body, http.Header{"Authorization": {"Basic abc"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postJSON(t, mux, "/api/commands", body, http.Header{"Authorization": {"Bearer not-a-jwt"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := auth.Issue("tester", time.Minute)
	require.NoError(t, err)
	w = postJSON(t, mux, "/api/commands", body, http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{"V"}, sender.sent)
}
