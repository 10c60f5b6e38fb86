package auth

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestNormalizeUsername(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "valid", raw: "Admin.User", want: "admin.user"},
		{name: "trim", raw: "  a-user  ", want: "a-user"},
		{name: "email", raw: "Ada@Example.org", want: "ada@example.org"},
		{name: "invalid chars", raw: "bad space", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeUsername(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("NormalizeUsername(%q)=%q want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("password-123")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if !VerifyPassword(hash, "password-123") {
		t.Fatal("expected password to verify")
	}
	if VerifyPassword(hash, "wrong") {
		t.Fatal("expected wrong password to fail")
	}
}

func TestHasherRejectsShortPassword(t *testing.T) {
	if _, err := (Hasher{Cost: bcrypt.MinCost}).Hash("short"); err == nil {
		t.Fatal("expected short password to be rejected")
	}
}

func TestHasherCost(t *testing.T) {
	hash, err := Hasher{Cost: bcrypt.MinCost}.Hash("password-123")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil || cost != bcrypt.MinCost {
		t.Fatalf("expected cost %d, got %d (%v)", bcrypt.MinCost, cost, err)
	}
}

func TestTokens(t *testing.T) {
	a, err := NewToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	b, _ := NewToken()
	if a == "" || a == b {
		t.Fatalf("expected distinct tokens, got %q and %q", a, b)
	}
	if HashToken(a) != HashToken(" "+a+" ") {
		t.Fatal("expected token hash to ignore surrounding space")
	}
	if len(HashToken(a)) != 64 {
		t.Fatalf("expected hex sha256, got %q", HashToken(a))
	}
}
