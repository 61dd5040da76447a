// Package auth discovers the credentials the engine will use: the
// auth.json file written by `codex login` and provider API key variables.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/cola-io/codex-acp/internal/common/logger"
)

// APIKeyEnv is the default provider's API key variable.
const APIKeyEnv = "OPENAI_API_KEY"

// Mode is the kind of credential found.
type Mode string

const (
	ModeNone    Mode = ""
	ModeAPIKey  Mode = "apikey"
	ModeChatGPT Mode = "chatgpt"
)

// Tokens are the ChatGPT login tokens stored in auth.json.
type Tokens struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	AccountID    string `json:"account_id,omitempty"`
}

type authFile struct {
	APIKey *string `json:"OPENAI_API_KEY"`
	Tokens *Tokens `json:"tokens"`
}

// Credentials is a snapshot of what is available right now.
type Credentials struct {
	Mode Mode
	// FileAPIKey is set when auth.json holds an API key.
	FileAPIKey bool
	// EnvAPIKey is set when OPENAI_API_KEY is exported.
	EnvAPIKey bool
}

// Any reports whether some credential was found.
func (c Credentials) Any() bool {
	return c.Mode != ModeNone
}

// Store reads credentials from a codex home directory. It re-reads on every
// call so a `codex login` in another terminal is picked up.
type Store struct {
	home   string
	getenv func(string) string
	logger *logger.Logger
}

// NewStore creates a store rooted at codexHome.
func NewStore(codexHome string, log *logger.Logger) *Store {
	return &Store{
		home:   codexHome,
		getenv: os.Getenv,
		logger: log.WithFields(zap.String("component", "auth")),
	}
}

// Path returns the location of auth.json.
func (s *Store) Path() string {
	return filepath.Join(s.home, "auth.json")
}

// Load returns the current credentials. A missing auth.json is not an
// error.
func (s *Store) Load() (Credentials, error) {
	var creds Credentials
	creds.EnvAPIKey = s.HasEnv(APIKeyEnv)

	file, err := s.readFile()
	if err != nil {
		return creds, err
	}
	if file != nil {
		creds.FileAPIKey = file.APIKey != nil && strings.TrimSpace(*file.APIKey) != ""
		if file.Tokens != nil && file.Tokens.AccessToken != "" {
			creds.Mode = ModeChatGPT
			return creds, nil
		}
	}
	if creds.FileAPIKey || creds.EnvAPIKey {
		creds.Mode = ModeAPIKey
	}
	return creds, nil
}

// HasEnv reports whether the variable named key is set and non-blank.
func (s *Store) HasEnv(key string) bool {
	if key == "" {
		return false
	}
	return strings.TrimSpace(s.getenv(key)) != ""
}

func (s *Store) readFile() (*authFile, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.Path(), err)
	}

	var file authFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Warn("ignoring malformed auth file", zap.String("path", s.Path()), zap.Error(err))
		return nil, nil
	}
	return &file, nil
}
