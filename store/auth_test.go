package store

import (
	"errors"
	"testing"
)

func TestVerifyCredentials(t *testing.T) {
	tsetup(t)

	password := "abcdefghijklmnopqrstuvwxyz"

	acc, err := VerifyCredentials("mjl", password)
	tcheck(t, err, "verify credentials")
	if acc.PasswordHash == "" {
		t.Fatalf("got account config without password hash")
	}

	// Again, now through the auth cache.
	_, err = VerifyCredentials("mjl", password)
	tcheck(t, err, "verify credentials through cache")

	_, err = VerifyCredentials("mjl", "nottherightpassword")
	if !errors.Is(err, ErrUnknownCredentials) {
		t.Fatalf("wrong password: got err %v, expected ErrUnknownCredentials", err)
	}

	_, err = VerifyCredentials("unknown", password)
	if !errors.Is(err, ErrUnknownCredentials) {
		t.Fatalf("unknown account: got err %v, expected ErrUnknownCredentials", err)
	}
}
