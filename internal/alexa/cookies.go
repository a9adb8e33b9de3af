package alexa

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// CookiePath returns the per-account cookie file location.
func CookiePath(dir, email string) string {
	if dir == "" {
		dir = ".storage"
	}
	return filepath.Join(dir, fmt.Sprintf("alexa_media.%s.cookies.json", email))
}

type storedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SaveCookies writes the session cookies to the account cookie file.
func (s *HTTPSession) SaveCookies() error {
	cookies := s.jar.Cookies(s.baseURL)
	stored := make([]storedCookie, 0, len(cookies))
	for _, c := range cookies {
		stored = append(stored, storedCookie{Name: c.Name, Value: c.Value})
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.cookiePath), 0o700); err != nil {
		return fmt.Errorf("failed to create cookie dir: %w", err)
	}
	if err := os.WriteFile(s.cookiePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cookies: %w", err)
	}

	s.logger.Debug("Saved cookies", zap.Int("count", len(stored)))
	return nil
}

// DeleteCookies removes the account cookie file. A missing file is not an error.
func (s *HTTPSession) DeleteCookies() error {
	if err := os.Remove(s.cookiePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete cookies: %w", err)
	}
	s.setLoggedIn(false)
	return nil
}

func (s *HTTPSession) loadCookies() error {
	data, err := os.ReadFile(s.cookiePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cookies: %w", err)
	}

	var stored []storedCookie
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to parse cookies: %w", err)
	}

	cookies := make([]*http.Cookie, 0, len(stored))
	for _, c := range stored {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	s.jar.SetCookies(s.baseURL, cookies)
	return nil
}
