package auth

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Credentials holds the backend's own access token in a file so that an
// authorized host survives restarts.
//
// The file is created with 0600 and its directory with 0700, restricting
// access to the owner.
type Credentials struct {
	mu    sync.Mutex
	path  string
	token string
}

// NewCredentials creates a credentials file handle. Nothing is read until
// Load is called.
func NewCredentials(path string) *Credentials {
	return &Credentials{path: path}
}

// DefaultCredentialsPath returns ~/.lmk/credentials.
func DefaultCredentialsPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".lmk", "credentials"), nil
}

// Load reads the stored token. A missing file is not an error and yields "".
func (c *Credentials) Load() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		c.token = ""
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credentials %s: %w", c.path, err)
	}
	c.token = strings.TrimSpace(string(data))
	if c.token != "" {
		log.Printf("auth: loaded credentials from %s", c.path)
	}
	return c.token, nil
}

// Token returns the last loaded or saved token.
func (c *Credentials) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Save writes token to the file. An empty token removes the file.
func (c *Credentials) Save(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if token == "" {
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove credentials %s: %w", c.path, err)
		}
		c.token = ""
		log.Printf("auth: cleared credentials at %s", c.path)
		return nil
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create credentials directory %s: %w", dir, err)
	}
	if err := os.WriteFile(c.path, []byte(token), 0600); err != nil {
		return fmt.Errorf("failed to write credentials %s: %w", c.path, err)
	}
	c.token = token
	log.Printf("auth: saved credentials to %s", c.path)
	return nil
}

// Path returns the credentials file path.
func (c *Credentials) Path() string {
	return c.path
}
