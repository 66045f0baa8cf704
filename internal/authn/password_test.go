package authn_test

import (
	"strings"
	"testing"

	"github.com/cordon-sec/cordon/internal/authn"
)

func TestHashVerifyRoundTrip(t *testing.T) {
	hash, err := authn.HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("unexpected hash format: %q", hash)
	}

	ok, err := authn.VerifyPassword("correct horse battery staple", hash)
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if !ok {
		t.Fatal("correct password rejected")
	}

	ok, err = authn.VerifyPassword("wrong", hash)
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if ok {
		t.Fatal("wrong password accepted")
	}
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	for _, bad := range []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=1,p=4$!!$aGFzaA",
	} {
		if _, err := authn.VerifyPassword("pw", bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
