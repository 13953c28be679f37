package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// poller detects changes by comparing mtime snapshots of the tree.
type poller struct {
	root      string
	recursive bool
	state     map[string]int64 // relative path -> mtime
}

func newPoller(root string, recursive bool) *poller {
	return &poller{root: root, recursive: recursive, state: make(map[string]int64)}
}

func (p *poller) snapshot() (map[string]int64, error) {
	snap := make(map[string]int64)
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == p.root {
				return err
			}
			return nil
		}
		if path == p.root {
			return nil
		}
		if ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() && !p.recursive {
			return filepath.SkipDir
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(p.root, path)
		snap[rel] = info.ModTime().UnixNano() ^ info.Size()
		return nil
	})
	return snap, err
}

func (p *poller) scan() error {
	snap, err := p.snapshot()
	if err != nil {
		return err
	}
	p.state = snap
	return nil
}

// changed rescans and returns the number of created, modified or deleted
// entries since the previous scan.
func (p *poller) changed() (int, error) {
	snap, err := p.snapshot()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// The root went away; report it once as a deletion of everything.
			n := len(p.state)
			p.state = map[string]int64{}
			return n, nil
		}
		return 0, err
	}

	n := 0
	for rel, stamp := range snap {
		if old, ok := p.state[rel]; !ok || old != stamp {
			n++
		}
	}
	for rel := range p.state {
		if _, ok := snap[rel]; !ok {
			n++
		}
	}
	p.state = snap
	return n, nil
}
