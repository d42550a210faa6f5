package session

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/harrisonrobin/taskboard/pkg/model"
)

const displayCacheFile = "user.json"

// DisplayCache persists the authenticated user's display record. Saves are
// written through on every change so a crash never leaves a stale user behind
// a logout.
type DisplayCache struct {
	Path string
	mu   sync.RWMutex
	user *model.User
	log  *slog.Logger
}

// NewDisplayCache opens the cache in dir, loading an existing record.
func NewDisplayCache(dir string, log *slog.Logger) (*DisplayCache, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &DisplayCache{Path: filepath.Join(dir, displayCacheFile), log: log}
	if _, err := os.Stat(c.Path); err == nil {
		if err := c.Load(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *DisplayCache) Load() error {
	f, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	var u model.User
	if err := json.NewDecoder(f).Decode(&u); err != nil {
		return err
	}
	c.mu.Lock()
	c.user = &u
	c.mu.Unlock()
	return nil
}

func (c *DisplayCache) Get() (model.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return model.User{}, false
	}
	return *c.user, true
}

func (c *DisplayCache) Set(u model.User) {
	c.mu.Lock()
	if c.user != nil && *c.user == u {
		c.mu.Unlock()
		return
	}
	c.user = &u
	c.mu.Unlock()
	if err := c.save(u); err != nil {
		c.log.Warn("display cache save failed", "path", c.Path, "error", err)
	}
}

func (c *DisplayCache) Remove() {
	c.mu.Lock()
	had := c.user != nil
	c.user = nil
	c.mu.Unlock()
	if !had {
		return
	}
	if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
		c.log.Warn("display cache remove failed", "path", c.Path, "error", err)
	}
}

func (c *DisplayCache) save(u model.User) error {
	if err := os.MkdirAll(filepath.Dir(c.Path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(c.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(u)
}
