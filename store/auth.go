package store

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/inletmail/inlet/config"
	"github.com/inletmail/inlet/inlet-"
)

// ErrUnknownCredentials is returned for an unknown account name or a wrong
// password. Callers should not distinguish between the two.
var ErrUnknownCredentials = errors.New("credentials not found")

// We keep a cache of recent successful authentications, so we don't have to bcrypt successful calls each time.
var authCache = struct {
	sync.Mutex
	success map[authKey]string
}{
	success: map[authKey]string{},
}

type authKey struct {
	username, hash string
}

// StartAuthCache starts a goroutine that regularly clears the auth cache.
func StartAuthCache() {
	go manageAuthCache()
}

func manageAuthCache() {
	for {
		authCache.Lock()
		authCache.success = map[authKey]string{}
		authCache.Unlock()
		time.Sleep(15 * time.Minute)
	}
}

// VerifyCredentials checks the password for the named account against its
// configured password hash, returning the account configuration on success
// and ErrUnknownCredentials for an unknown account or wrong password.
func VerifyCredentials(username, password string) (config.Account, error) {
	acc, ok := inlet.Conf.Account(username)
	if !ok {
		return config.Account{}, ErrUnknownCredentials
	}

	authCache.Lock()
	hit := len(password) >= 8 && authCache.success[authKey{username, acc.PasswordHash}] == password
	authCache.Unlock()
	if hit {
		return acc, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return config.Account{}, ErrUnknownCredentials
	}
	authCache.Lock()
	authCache.success[authKey{username, acc.PasswordHash}] = password
	authCache.Unlock()
	return acc, nil
}
