package authstore

import (
	"testing"
	"time"

	"github.com/frostwatch/syncplay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePassword(t *testing.T) {
	s := New("opsecret", "viewsecret", time.Hour)

	role, ok := s.ValidatePassword("opsecret")
	require.True(t, ok)
	assert.Equal(t, models.RoleOperator, role)

	role, ok = s.ValidatePassword("viewsecret")
	require.True(t, ok)
	assert.Equal(t, models.RoleViewer, role)

	_, ok = s.ValidatePassword("wrong")
	assert.False(t, ok)
}

func TestSessionRoundTrip(t *testing.T) {
	s := New("opsecret", "viewsecret", time.Hour)

	sess, err := s.CreateSession(models.RoleOperator, "Alice")
	require.NoError(t, err)
	require.Len(t, sess.Token, 64) // 32 bytes hex-encoded

	got, ok := s.ValidateSession(sess.Token)
	require.True(t, ok)
	assert.Equal(t, models.RoleOperator, got.Role)
	assert.Equal(t, "Alice", got.Name)
}

func TestSessionExpiry(t *testing.T) {
	s := New("opsecret", "viewsecret", -time.Second) // already expired

	sess, err := s.CreateSession(models.RoleViewer, "Bob")
	require.NoError(t, err)

	_, ok := s.ValidateSession(sess.Token)
	assert.False(t, ok, "expired session must not validate")
}

func TestSweepRemovesExpired(t *testing.T) {
	s := New("opsecret", "viewsecret", -time.Second)
	sess, err := s.CreateSession(models.RoleViewer, "Carol")
	require.NoError(t, err)
	require.Equal(t, 1, s.Count())

	removed := s.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, s.Count())

	_, ok := s.ValidateSession(sess.Token)
	assert.False(t, ok)
}

func TestInvalidateSession(t *testing.T) {
	s := New("opsecret", "viewsecret", time.Hour)
	sess, err := s.CreateSession(models.RoleOperator, "Dana")
	require.NoError(t, err)

	s.InvalidateSession(sess.Token)
	_, ok := s.ValidateSession(sess.Token)
	assert.False(t, ok)
}

func TestValidateSessionUnknownToken(t *testing.T) {
	s := New("opsecret", "viewsecret", time.Hour)
	_, ok := s.ValidateSession("deadbeef")
	assert.False(t, ok)
}
