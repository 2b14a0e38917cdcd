package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/go-authgate/lms-cli/tui"
)

// ErrRefreshTokenExpired indicates that the refresh token has expired or is invalid
var ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")

// ErrNoSession is returned by sessionTokens when nobody is signed in.
var ErrNoSession = errors.New("not signed in")

// TokenStorage represents saved tokens for a specific client
type TokenStorage struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	ClientID     string    `json:"client_id"`
}

// Valid reports whether the access token is present and not about to expire.
func (s *TokenStorage) Valid() bool {
	if s == nil {
		return false
	}
	return (&oauth2.Token{AccessToken: s.AccessToken, Expiry: s.ExpiresAt}).Valid()
}

// TokenStorageMap manages tokens for multiple clients
type TokenStorageMap struct {
	Tokens map[string]*TokenStorage `json:"tokens"` // key = client_id
}

// loadTokens loads tokens from file for the current client
func loadTokens() (*TokenStorage, error) {
	data, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, err
	}

	var storageMap TokenStorageMap
	if err := json.Unmarshal(data, &storageMap); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}

	if storageMap.Tokens == nil {
		return nil, errors.New("no tokens found in token file")
	}

	if storage, ok := storageMap.Tokens[clientID]; ok {
		return storage, nil
	}

	return nil, fmt.Errorf("no tokens found for client_id: %s", clientID)
}

// saveTokens saves tokens to file, keeping the entries of other clients.
func saveTokens(storage *TokenStorage) error {
	if storage.ClientID == "" {
		storage.ClientID = clientID
	}

	return updateTokenFile(func(tokens map[string]*TokenStorage) {
		tokens[storage.ClientID] = storage
	})
}

// clearTokens removes the current client's tokens from the token file.
func clearTokens() error {
	return updateTokenFile(func(tokens map[string]*TokenStorage) {
		delete(tokens, clientID)
	})
}

// updateTokenFile applies mutate to the token map under the file lock and
// writes the result atomically.
func updateTokenFile(mutate func(map[string]*TokenStorage)) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	lock, err := acquireFileLock(ctx, tokenFile)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			logger.Warn().Err(releaseErr).Str("path", tokenFile).Msg("failed to release token file lock")
		}
	}()

	// Read inside the lock; an unreadable file starts over empty.
	var storageMap TokenStorageMap
	if existingData, err := os.ReadFile(tokenFile); err == nil {
		if unmarshalErr := json.Unmarshal(existingData, &storageMap); unmarshalErr != nil {
			logger.Warn().Err(unmarshalErr).Str("path", tokenFile).Msg("token file is corrupt, rewriting it")
			storageMap.Tokens = nil
		}
	}
	if storageMap.Tokens == nil {
		storageMap.Tokens = make(map[string]*TokenStorage)
	}

	mutate(storageMap.Tokens)

	data, err := json.MarshalIndent(storageMap, "", "  ")
	if err != nil {
		return err
	}

	tempFile := tokenFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, tokenFile); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// refreshAccessToken trades the refresh token for a new access token and
// saves the result.
func refreshAccessToken(
	ctx context.Context,
	refreshToken string,
	d tui.Displayer,
) (*TokenStorage, error) {
	reqCtx := withTokenClient(ctx, retryTransport{}, refreshTokenTimeout)

	// An expired token with only the refresh half set makes the source refresh.
	source := oauthConfig().TokenSource(reqCtx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		var oauthErr *oauth2.RetrieveError
		if !errors.As(err, &oauthErr) {
			return nil, fmt.Errorf("refresh request failed: %w", err)
		}
		switch oauthErr.ErrorCode {
		case "invalid_grant", "invalid_token":
			return nil, ErrRefreshTokenExpired
		case "":
			return nil, fmt.Errorf("refresh failed with status %d: %s", oauthErr.Response.StatusCode, oauthErr.Body)
		}
		return nil, fmt.Errorf("%s: %s", oauthErr.ErrorCode, oauthErr.ErrorDescription)
	}

	if err := validateToken(token); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	// Fixed mode omits refresh_token; oauth2 then keeps the one we sent.
	storage := &TokenStorage{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.Type(),
		ExpiresAt:    token.Expiry,
		ClientID:     clientID,
	}

	if err := saveTokens(storage); err != nil {
		d.TokenSaveFailed(err)
	}

	return storage, nil
}

// sessionTokens is the token provider behind the LMS API client. It serves
// the persisted access token and refreshes it with the refresh-token grant.
type sessionTokens struct {
	mu      sync.RWMutex
	storage *TokenStorage
	d       tui.Displayer
}

func newSessionTokens(storage *TokenStorage, d tui.Displayer) *sessionTokens {
	return &sessionTokens{storage: storage, d: d}
}

func (s *sessionTokens) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.storage == nil || s.storage.AccessToken == "" {
		return "", ErrNoSession
	}
	return s.storage.AccessToken, nil
}

func (s *sessionTokens) ForceRefresh(ctx context.Context) (string, error) {
	s.mu.RLock()
	var refreshToken string
	if s.storage != nil {
		refreshToken = s.storage.RefreshToken
	}
	s.mu.RUnlock()

	if refreshToken == "" {
		return "", ErrNoSession
	}

	s.d.Refreshing()
	storage, err := refreshAccessToken(ctx, refreshToken, s.d)
	if err != nil {
		s.d.RefreshFailed(err)
		return "", err
	}
	s.d.RefreshOK()

	s.replace(storage)
	return storage.AccessToken, nil
}

// Current returns a copy of the stored tokens, or nil when signed out.
func (s *sessionTokens) Current() *TokenStorage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.storage == nil {
		return nil
	}
	cp := *s.storage
	return &cp
}

// SignOut forgets the session in memory and on disk.
func (s *sessionTokens) SignOut() error {
	s.mu.Lock()
	s.storage = nil
	s.mu.Unlock()

	return clearTokens()
}

func (s *sessionTokens) replace(storage *TokenStorage) {
	s.mu.Lock()
	s.storage = storage
	s.mu.Unlock()
}
