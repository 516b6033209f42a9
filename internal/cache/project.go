package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/JimStenstrom/claude-code-router/internal/config"
)

// Scanner finds the project holding a session. It returns "" when the
// session belongs to no project.
type Scanner func(ctx context.Context, session string) (string, error)

type projectEntry struct {
	project string
	found   bool
}

// ProjectCache maps sessions to project directory names. Each session is
// scanned at most once: found, not found and failed scans are all cached.
type ProjectCache struct {
	entries *lru.Cache[string, projectEntry]
	group   singleflight.Group
	scan    Scanner
}

// NewProjectCache creates a cache of at most capacity sessions using scan on misses.
func NewProjectCache(capacity int, scan Scanner) *ProjectCache {
	entries, err := lru.New[string, projectEntry](capacity)
	if err != nil {
		panic(err)
	}
	return &ProjectCache{entries: entries, scan: scan}
}

// Lookup returns the project of session, scanning on the first request only.
func (c *ProjectCache) Lookup(ctx context.Context, session string) (string, bool) {
	if session == "" {
		return "", false
	}
	if e, ok := c.entries.Get(session); ok {
		return e.project, e.found
	}

	v, _, _ := c.group.Do(session, func() (any, error) {
		if e, ok := c.entries.Get(session); ok {
			return e, nil
		}
		project, err := c.scan(ctx, session)
		if err != nil {
			if ctx.Err() != nil {
				// Caller went away; let the next request scan again.
				return projectEntry{}, nil
			}
			log.Warn().Err(err).Str("session", session).Msg("project_cache: scan failed, caching as not found")
		}
		e := projectEntry{project: project, found: err == nil && project != ""}
		c.entries.Add(session, e)
		return e, nil
	})
	e := v.(projectEntry)
	return e.project, e.found
}

// Len returns the number of cached sessions.
func (c *ProjectCache) Len() int { return c.entries.Len() }

// errFound stops the remaining existence checks once a match is recorded.
var errFound = errors.New("found")

// DirScanner scans the immediate subdirectories of root concurrently for
// <session>.jsonl. The first match found wins.
func DirScanner(root string) Scanner {
	return func(ctx context.Context, session string) (string, error) {
		if filepath.Base(session) != session || session == "." || session == ".." {
			return "", nil
		}
		dirs, err := os.ReadDir(root)
		if err != nil {
			return "", fmt.Errorf("read projects dir %s: %w", root, err)
		}

		var (
			once  sync.Once
			match string
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(16)
		for _, d := range dirs {
			if !d.IsDir() {
				continue
			}
			name := d.Name()
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				_, err := os.Stat(filepath.Join(root, name, session+config.SessionFileExt))
				if err == nil {
					once.Do(func() { match = name })
					return errFound
				}
				if !errors.Is(err, fs.ErrNotExist) {
					log.Debug().Err(err).Str("project", name).Msg("project_cache: stat failed")
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil && !errors.Is(err, errFound) {
			return "", err
		}
		return match, ctx.Err()
	}
}
