// Package auth authenticates connecting clients. Two methods exist: "none",
// which admits anyone, and "htpasswd", which verifies bcrypt-hashed
// credentials from an htpasswd file. The htpasswd store reloads in place on
// SIGHUP under a read-write lock; handshakes only ever take the read side.
package auth

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Authentication method names as they appear on the wire.
const (
	MethodNone     = "none"
	MethodHtpasswd = "htpasswd"
)

// AnonymousUser is the identity assigned under MethodNone when the client
// claims no name.
const AnonymousUser = "nobody"

// ErrAuthenticationFailed covers unknown users, wrong passwords and method
// mismatches; clients cannot tell these apart.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Authenticator validates one handshake and resolves the user identity.
type Authenticator interface {
	// Authenticate checks the requested method and credentials, returning
	// the authenticated user name.
	Authenticate(method string, credentials []byte) (string, error)

	// Reload re-reads the backing credentials. On failure the previous
	// credentials stay in effect.
	Reload() error
}

// New selects the authenticator for the server configuration: a password
// file means htpasswd, no password file admits anyone.
func New(passwordFile string) (Authenticator, error) {
	if passwordFile == "" {
		return NoneAuthenticator{}, nil
	}
	return NewHtpasswdAuthenticator(passwordFile)
}

// NoneAuthenticator accepts every client. Non-empty credentials carry a
// claimed user name; otherwise the client is AnonymousUser.
type NoneAuthenticator struct{}

func (NoneAuthenticator) Authenticate(method string, credentials []byte) (string, error) {
	if method != MethodNone {
		return "", fmt.Errorf("%w: method %q not enabled", ErrAuthenticationFailed, method)
	}
	user := strings.TrimSpace(string(credentials))
	if user == "" {
		user = AnonymousUser
	}
	return user, nil
}

func (NoneAuthenticator) Reload() error { return nil }

// HtpasswdAuthenticator verifies credentials against an htpasswd file of
// user:bcrypt-hash lines.
type HtpasswdAuthenticator struct {
	path string

	mu    sync.RWMutex
	users map[string]string
}

// NewHtpasswdAuthenticator loads the file once; a server does not start
// with unreadable credentials.
func NewHtpasswdAuthenticator(path string) (*HtpasswdAuthenticator, error) {
	a := &HtpasswdAuthenticator{path: path}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *HtpasswdAuthenticator) Authenticate(method string, credentials []byte) (string, error) {
	if method != MethodHtpasswd {
		return "", fmt.Errorf("%w: method %q not enabled", ErrAuthenticationFailed, method)
	}
	user, password, ok := splitCredentials(credentials)
	if !ok {
		return "", fmt.Errorf("%w: malformed credentials", ErrAuthenticationFailed)
	}

	a.mu.RLock()
	hash, known := a.users[user]
	a.mu.RUnlock()

	if !known {
		return "", fmt.Errorf("%w: user %q", ErrAuthenticationFailed, user)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", fmt.Errorf("%w: user %q", ErrAuthenticationFailed, user)
	}
	return user, nil
}

// Reload re-reads the htpasswd file, swapping the credential map only on
// success.
func (a *HtpasswdAuthenticator) Reload() error {
	users, err := parseHtpasswdFile(a.path)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.users = users
	a.mu.Unlock()
	return nil
}

// splitCredentials separates the wire form "user\npassword". The password
// keeps any further newlines.
func splitCredentials(credentials []byte) (user, password string, ok bool) {
	user, password, ok = strings.Cut(string(credentials), "\n")
	return user, password, ok && user != ""
}

func parseHtpasswdFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open password file: %w", err)
	}
	defer f.Close()

	users := make(map[string]string)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		user, hash, ok := strings.Cut(text, ":")
		if !ok || user == "" || hash == "" {
			return nil, fmt.Errorf("password file %s line %d: want user:hash", path, line)
		}
		users[user] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read password file: %w", err)
	}
	return users, nil
}
