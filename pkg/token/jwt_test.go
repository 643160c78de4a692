package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndVerify(t *testing.T) {
	m := NewJWTManager("test-secret", 1)

	tokenString, err := m.GenerateToken("ops-admin")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	claims, err := m.VerifyToken(tokenString)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Operator != "ops-admin" {
		t.Errorf("unexpected operator: %q", claims.Operator)
	}
	if time.Until(claims.ExpiresAt.Time) <= 0 {
		t.Error("token must not be expired")
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	tokenString, err := NewJWTManager("secret-a", 1).GenerateToken("ops")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewJWTManager("secret-b", 1).VerifyToken(tokenString); err == nil {
		t.Fatal("token signed with a different secret must fail")
	}
}

func TestVerifyRejectsWrongSigningMethod(t *testing.T) {
	// none 算法签名的 token 必须被拒绝
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"operator": "ops"})
	tokenString, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewJWTManager("secret", 1).VerifyToken(tokenString); err == nil {
		t.Fatal("none-algorithm token must be rejected")
	}
}

func TestVerifyGarbage(t *testing.T) {
	if _, err := NewJWTManager("secret", 1).VerifyToken("not.a.token"); err == nil {
		t.Fatal("garbage token must fail")
	}
}
