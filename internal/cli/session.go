package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Session is the token pair the CLI holds for one API server.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Username     string `json:"username"`
	APIBaseURL   string `json:"api_base_url"`
}

// sessionFile keeps one session per API base URL. Current names the server
// of the most recent login and is used when no server is given.
type sessionFile struct {
	Current  string             `json:"current"`
	Sessions map[string]Session `json:"sessions"`
}

// SessionDirEnv overrides the session directory, mostly for tests.
const SessionDirEnv = "SPROUT_HOME"

const sessionFileName = "sessions.json"

var errNotLoggedIn = errors.New("not logged in (run: sprout login)")

// NormalizeBaseURL is the key sessions are stored under.
func NormalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

func sessionPath() (string, error) {
	dir := strings.TrimSpace(os.Getenv(SessionDirEnv))
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".sprout")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, sessionFileName), nil
}

func readSessions() (sessionFile, string, error) {
	path, err := sessionPath()
	if err != nil {
		return sessionFile{}, "", err
	}
	f := sessionFile{Sessions: map[string]Session{}}
	body, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, path, nil
	}
	if err != nil {
		return sessionFile{}, "", err
	}
	if err := json.Unmarshal(body, &f); err != nil {
		return sessionFile{}, "", fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Sessions == nil {
		f.Sessions = map[string]Session{}
	}
	return f, path, nil
}

func writeSessions(path string, f sessionFile) error {
	if len(f.Sessions) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	body, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o600)
}

// SaveSession stores s under its APIBaseURL and makes that server current.
func SaveSession(s Session) error {
	s.APIBaseURL = NormalizeBaseURL(s.APIBaseURL)
	if s.APIBaseURL == "" {
		return errors.New("session has no api base url")
	}
	f, path, err := readSessions()
	if err != nil {
		return err
	}
	f.Sessions[s.APIBaseURL] = s
	f.Current = s.APIBaseURL
	return writeSessions(path, f)
}

// LoadSession returns the session for baseURL, or the current one when
// baseURL is empty.
func LoadSession(baseURL string) (Session, error) {
	f, _, err := readSessions()
	if err != nil {
		return Session{}, err
	}
	key := NormalizeBaseURL(baseURL)
	if key == "" {
		key = f.Current
	}
	s, ok := f.Sessions[key]
	if !ok {
		if key == "" {
			return Session{}, errNotLoggedIn
		}
		return Session{}, fmt.Errorf("%w for %s", errNotLoggedIn, key)
	}
	if strings.TrimSpace(s.AccessToken) == "" {
		return Session{}, fmt.Errorf("no access token found in session for %s", key)
	}
	s.APIBaseURL = key
	return s, nil
}

// ClearSession forgets the session for baseURL, or the current one when
// baseURL is empty. Clearing an unknown server is not an error.
func ClearSession(baseURL string) error {
	f, path, err := readSessions()
	if err != nil {
		return err
	}
	key := NormalizeBaseURL(baseURL)
	if key == "" {
		key = f.Current
	}
	delete(f.Sessions, key)
	if f.Current == key {
		f.Current = ""
		// Promote another saved server, if any.
		rest := make([]string, 0, len(f.Sessions))
		for k := range f.Sessions {
			rest = append(rest, k)
		}
		sort.Strings(rest)
		if len(rest) > 0 {
			f.Current = rest[0]
		}
	}
	return writeSessions(path, f)
}
