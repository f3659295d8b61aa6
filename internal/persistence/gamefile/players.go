package gamefile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const playerExt = ".dat"

func (g *GameFile) playerPath(id string) (string, error) {
	if !validName(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPlayerID, id)
	}
	return filepath.Join(g.dir, PlayersDir, id+playerExt), nil
}

// SavePlayer replaces the stored bytes for id.
func (g *GameFile) SavePlayer(id string, b []byte) error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	path, err := g.playerPath(id)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, b); err != nil {
		return fmt.Errorf("save player %s: %w", id, err)
	}
	if g.index != nil {
		g.index.RecordPlayerSave(id, len(b))
	}
	return nil
}

// LoadPlayer returns the stored bytes for id; ok is false when none exist.
func (g *GameFile) LoadPlayer(id string) (b []byte, ok bool, err error) {
	if err := g.checkOpen(); err != nil {
		return nil, false, err
	}
	path, err := g.playerPath(id)
	if err != nil {
		return nil, false, err
	}
	b, err = os.ReadFile(path)
	if err != nil {
		if isNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load player %s: %w", id, err)
	}
	return b, true, nil
}

// PlayerIDs lists stored players, sorted.
func (g *GameFile) PlayerIDs() ([]string, error) {
	ents, err := os.ReadDir(filepath.Join(g.dir, PlayersDir))
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, playerExt) {
			continue
		}
		out = append(out, strings.TrimSuffix(name, playerExt))
	}
	sort.Strings(out)
	return out, nil
}
