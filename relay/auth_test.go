package relay

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestAuthRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	verifier := NewAuthVerifier(secret)

	userAuth := &UserAuth{
		UserId:      NewId(),
		DisplayName: "ada",
		Role:        RoleAdmin,
	}

	byJwt, err := SignUserAuth(userAuth, secret)
	assert.Equal(t, err, nil)

	verified, err := verifier.Verify(byJwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, verified.UserId, userAuth.UserId)
	assert.Equal(t, verified.DisplayName, "ada")
	assert.Equal(t, verified.Role, RoleAdmin)
	assert.Equal(t, verified.Role.Privileged(), true)
}

func TestAuthBadSecretRejected(t *testing.T) {
	userAuth := &UserAuth{
		UserId:      NewId(),
		DisplayName: "mallory",
		Role:        RoleMember,
	}

	byJwt, err := SignUserAuth(userAuth, []byte("one-secret"))
	assert.Equal(t, err, nil)

	verifier := NewAuthVerifier([]byte("another-secret"))
	_, err = verifier.Verify(byJwt)
	assert.NotEqual(t, err, nil)
}

func TestAuthGarbageRejected(t *testing.T) {
	verifier := NewAuthVerifier([]byte("secret"))
	_, err := verifier.Verify("")
	assert.NotEqual(t, err, nil)
	_, err = verifier.Verify("not.a.jwt")
	assert.NotEqual(t, err, nil)
}

func TestParseUserAuthUnverified(t *testing.T) {
	userAuth := &UserAuth{
		UserId:      NewId(),
		DisplayName: "grace",
		Role:        RoleMember,
	}

	byJwt, err := SignUserAuth(userAuth, []byte("whatever"))
	assert.Equal(t, err, nil)

	parsed, err := ParseUserAuthUnverified(byJwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.UserId, userAuth.UserId)
	assert.Equal(t, parsed.DisplayName, "grace")
}
