package auth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_Authorize(t *testing.T) {
	gate := New("sup3r-secret")

	assert.True(t, gate.Authorize("sup3r-secret"))
	assert.False(t, gate.Authorize("wrong"))
	assert.False(t, gate.Authorize(""))
	assert.False(t, gate.Authorize("sup3r-secret "))
}

func TestGate_Authorize_EmptySecret(t *testing.T) {
	gate := New("")

	assert.False(t, gate.Enabled())
	assert.False(t, gate.Authorize(""))
	assert.False(t, gate.Authorize("anything"))
}

func TestBearerToken(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://localhost/", nil)
	require.NoError(t, err)

	assert.Equal(t, "", BearerToken(req))

	req.Header.Set("Authorization", "Bearer sup3r-secret")
	assert.Equal(t, "sup3r-secret", BearerToken(req))

	req.Header.Set("Authorization", "bearer sup3r-secret")
	assert.Equal(t, "sup3r-secret", BearerToken(req))

	req.Header.Set("Authorization", "Basic dXNlcjpwdw==")
	assert.Equal(t, "", BearerToken(req))

	req.Header.Set("Authorization", "Bearer")
	assert.Equal(t, "", BearerToken(req))
}
