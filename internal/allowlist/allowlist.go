// Package allowlist filters gallery-subset records by player name. Matching
// is case-insensitive. The list can be seeded from configuration and
// optionally backed by a file that is hot-reloaded on change, so operators
// tune the watched players without restarting the producer.
package allowlist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

type List struct {
	path   string
	seed   []string
	logger Logger

	mu      sync.RWMutex
	players map[string]struct{}
}

// New builds a static list from the given player names.
func New(players []string) *List {
	l := &List{players: map[string]struct{}{}}
	l.merge(players)
	return l
}

// NewFromFile builds a list from seed entries plus the contents of path,
// one player per line, '#' starting a comment. A missing file is not an
// error; it may appear later and be picked up by Watch.
func NewFromFile(path string, seed []string, logger Logger) (*List, error) {
	l := &List{path: path, seed: append([]string(nil), seed...), logger: logger, players: map[string]struct{}{}}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Allows reports whether the player is on the list. An empty list allows
// nobody; the gallery subset then contributes zero candidates.
func (l *List) Allows(player string) bool {
	key := normalize(player)
	if key == "" {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.players[key]
	return ok
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.players)
}

// Reload rebuilds the list from the seed entries and the backing file.
func (l *List) Reload() error {
	entries := append([]string(nil), l.seed...)
	if l.path != "" {
		fileEntries, err := readPlayerFile(l.path)
		if err != nil {
			return err
		}
		entries = append(entries, fileEntries...)
	}
	next := map[string]struct{}{}
	for _, entry := range entries {
		if key := normalize(entry); key != "" {
			next[key] = struct{}{}
		}
	}
	l.mu.Lock()
	l.players = next
	l.mu.Unlock()
	return nil
}

// Watch reloads the list whenever the backing file changes. Blocks until
// the context is cancelled; callers run it in a goroutine. No-op when the
// list has no backing file.
func (l *List) Watch(ctx context.Context) error {
	if l.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("allowlist watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files via rename, which drops a
	// watch on the file itself.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("allowlist watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != l.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := l.Reload(); err != nil {
				l.logf("allowlist reload failed: %v", err)
				continue
			}
			l.logf("allowlist reloaded: %d players", l.Len())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logf("allowlist watcher error: %v", err)
		}
	}
}

func (l *List) merge(players []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, player := range players {
		if key := normalize(player); key != "" {
			l.players[key] = struct{}{}
		}
	}
}

func (l *List) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

func readPlayerFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read allowlist file: %w", err)
	}
	defer file.Close()

	var entries []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line != "" {
			entries = append(entries, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read allowlist file: %w", err)
	}
	return entries, nil
}

func normalize(player string) string {
	return strings.ToLower(strings.TrimSpace(player))
}
