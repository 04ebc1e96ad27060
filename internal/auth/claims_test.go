package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSecret = "test-secret-key-for-jwt-signing-0123456789"
	testDevice = "edge01"
)

func TestSigner_IssueAndParse(t *testing.T) {
	s := NewSigner(testSecret, testDevice, time.Hour)
	token, err := s.Issue("tedge-mapper", RoleOperator)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := s.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Subject != "tedge-mapper" || claims.Role != RoleOperator || claims.Issuer != testDevice {
		t.Errorf("claims = %s/%s/%s", claims.Subject, claims.Role, claims.Issuer)
	}
	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
}

func TestSigner_IssueInvalidRole(t *testing.T) {
	_, err := NewSigner(testSecret, testDevice, time.Hour).Issue("client", Role("admin"))
	if !errors.Is(err, ErrInvalidRole) {
		t.Errorf("Issue() error = %v, want ErrInvalidRole", err)
	}
}

func TestSigner_DefaultTTL(t *testing.T) {
	s := NewSigner(testSecret, testDevice, 0)
	token, err := s.Issue("client", RoleReader)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := s.Parse(token)
	if err != nil {
		t.Fatal(err)
	}

	diff := claims.ExpiresAt.Sub(time.Now().Add(defaultTokenTTL))
	if diff < -time.Minute || diff > time.Minute {
		t.Errorf("expiry is %v off the default TTL", diff)
	}
}

func TestSigner_ParseRejects(t *testing.T) {
	s := NewSigner(testSecret, testDevice, time.Hour)
	sign := func(c Claims, method jwt.SigningMethod, key any) string {
		token, err := jwt.NewWithClaims(method, c).SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return token
	}
	registered := func(subject, issuer string, expires time.Duration) jwt.RegisteredClaims {
		return jwt.RegisteredClaims{Subject: subject, Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(expires))}
	}
	key := []byte(testSecret)
	otherDevice, err := NewSigner(testSecret, "edge02", time.Hour).Issue("client", RoleReader)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-valid-jwt"},
		{"other device", otherDevice},
		{"wrong secret", sign(Claims{registered("c", testDevice, time.Hour), RoleReader}, jwt.SigningMethodHS256, []byte("other"))},
		{"expired", sign(Claims{registered("c", testDevice, -time.Hour), RoleReader}, jwt.SigningMethodHS256, key)},
		{"no expiry", sign(Claims{jwt.RegisteredClaims{Subject: "c", Issuer: testDevice}, RoleReader}, jwt.SigningMethodHS256, key)},
		{"no subject", sign(Claims{registered("", testDevice, time.Hour), RoleReader}, jwt.SigningMethodHS256, key)},
		{"unknown role", sign(Claims{registered("c", testDevice, time.Hour), "owner"}, jwt.SigningMethodHS256, key)},
		{"wrong algorithm", sign(Claims{registered("c", testDevice, time.Hour), RoleReader}, jwt.SigningMethodHS512, key)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Parse(tt.token); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("Parse() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

// TestSigner_ClockSkew accepts a token that expired within the leeway.
func TestSigner_ClockSkew(t *testing.T) {
	s := NewSigner(testSecret, testDevice, time.Hour)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "child1",
			Issuer:    testDevice,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-clockSkew / 2)),
		},
		Role: RoleReader,
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Parse(token); err != nil {
		t.Errorf("Parse() error = %v", err)
	}
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleReader, PermEntityRead, true},
		{RoleReader, PermEntityWrite, false},
		{RoleReader, PermFileRead, true},
		{RoleReader, PermFileWrite, false},
		{RoleReader, PermEventsRead, true},
		{RoleOperator, PermEntityRead, true},
		{RoleOperator, PermEntityWrite, true},
		{RoleOperator, PermFileWrite, true},
		{RoleOperator, PermEventsRead, true},
		{Role("nobody"), PermEntityRead, false},
	}
	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}
