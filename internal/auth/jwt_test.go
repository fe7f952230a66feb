package auth

import (
	"testing"
	"time"
)

func TestGenerateAndValidateUserToken(t *testing.T) {
	userID := "test-user-456"

	token, err := GenerateUserToken(userID)
	if err != nil {
		t.Fatalf("GenerateUserToken failed: %v", err)
	}

	claims, err := ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}

	if claims.UserID != userID {
		t.Errorf("Expected user ID %s, got %s", userID, claims.UserID)
	}
	if claims.Role != "user" {
		t.Errorf("Expected role 'user', got '%s'", claims.Role)
	}
}

func TestGenerateAndValidateGuestToken(t *testing.T) {
	userID := "guest-123"

	token, err := GenerateGuestToken(userID)
	if err != nil {
		t.Fatalf("GenerateGuestToken failed: %v", err)
	}

	claims, err := ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}

	if claims.UserID != userID {
		t.Errorf("Expected user ID %s, got %s", userID, claims.UserID)
	}
	if claims.Role != "guest" {
		t.Errorf("Expected role 'guest', got '%s'", claims.Role)
	}
}

func TestValidateToken_Garbage(t *testing.T) {
	if _, err := ValidateToken("not-a-jwt"); err == nil {
		t.Error("Expected error for malformed token")
	}
}

func TestValidateToken_Expired(t *testing.T) {
	token, err := generate("test-user", "user", -time.Hour)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if _, err := ValidateToken(token); err == nil {
		t.Error("Expected error for expired token")
	}
}
