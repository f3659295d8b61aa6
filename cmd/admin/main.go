package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"tileworld.ai/internal/persistence/archive"
	"tileworld.ai/internal/persistence/gamefile"
	"tileworld.ai/internal/persistence/indexdb"
	persistlog "tileworld.ai/internal/persistence/log"
	"tileworld.ai/internal/sim/world"
	"tileworld.ai/internal/sim/world/terrain/store"
)

const usage = "usage: admin [list|regions|chunks|player|backup|restore|db|events|state] [flags]"

func main() {
	cmd := "list"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	var err error
	switch cmd {
	case "list":
		err = listCmd(args)
	case "regions":
		err = regionsCmd(args)
	case "chunks":
		err = chunksCmd(args)
	case "player":
		err = playerCmd(args)
	case "backup":
		err = backupCmd(args)
	case "restore":
		err = restoreCmd(args)
	case "db":
		err = dbCmd(args)
	case "events":
		err = eventsCmd(args)
	case "state":
		err = stateCmd(args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, cmd+":", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("bad usage")

func gamesDir(dataDir string) string { return filepath.Join(dataDir, "games") }

func indexPath(dataDir, game string) string {
	return filepath.Join(dataDir, "index", game+".sqlite")
}

func gameFlags(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	game := fs.String("game", "", "game name")
	return fs, dataDir, game
}

// openGame takes the directory lock, so it fails while a server has the game
// open.
func openGame(dataDir, game string) (*gamefile.GameFile, error) {
	if strings.TrimSpace(game) == "" {
		return nil, fmt.Errorf("%w: missing -game", errUsage)
	}
	return gamefile.Load(filepath.Join(gamesDir(dataDir), game), gamefile.Options{})
}

func listCmd(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)
	return runList(os.Stdout, *dataDir)
}

func runList(w io.Writer, dataDir string) error {
	entries, err := os.ReadDir(gamesDir(dataDir))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(gamesDir(dataDir), e.Name())
		meta, err := gamefile.ReadMetadata(dir)
		if err != nil {
			fmt.Fprintf(w, "%s\t(unreadable: %v)\n", e.Name(), err)
			continue
		}
		size, files := dirSize(dir)
		fmt.Fprintf(w, "%s\tseed=%d\tentities=%d\tfiles=%d\tsize=%s\n",
			e.Name(), meta.Seed, meta.EntityCounter, files, humanize.Bytes(uint64(size)))
	}
	return nil
}

func dirSize(dir string) (size int64, files int) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
			files++
		}
		return nil
	})
	return size, files
}

func regionsCmd(args []string) error {
	fs, dataDir, game := gameFlags("regions")
	_ = fs.Parse(args)
	g, err := openGame(*dataDir, *game)
	if err != nil {
		return err
	}
	defer g.Close()
	return runRegions(os.Stdout, g)
}

func runRegions(w io.Writer, g *gamefile.GameFile) error {
	stats, err := g.RegionStats()
	if err != nil {
		return err
	}
	var total int64
	for _, st := range stats {
		total += st.SizeBytes
		fmt.Fprintf(w, "%s\tgenerated=%d\tblocks=%d\tsize=%s\n",
			st.Key.FileName(), st.Generated, st.Blocks, humanize.Bytes(uint64(st.SizeBytes)))
	}
	fmt.Fprintf(w, "%d regions, %s\n", len(stats), humanize.Bytes(uint64(total)))
	return nil
}

func chunksCmd(args []string) error {
	fs, dataDir, game := gameFlags("chunks")
	regionFlag := fs.String("region", "", "only chunks of region rx,rz")
	_ = fs.Parse(args)
	g, err := openGame(*dataDir, *game)
	if err != nil {
		return err
	}
	defer g.Close()

	var only *store.RegionKey
	if s := strings.TrimSpace(*regionFlag); s != "" {
		rk, err := parseRegion(s)
		if err != nil {
			return fmt.Errorf("%w: -region: %v", errUsage, err)
		}
		only = &rk
	}
	return runChunks(os.Stdout, g, only)
}

func runChunks(w io.Writer, g *gamefile.GameFile, only *store.RegionKey) error {
	keys, err := g.KnownChunks()
	if err != nil {
		return err
	}
	n := 0
	for _, k := range keys {
		if only != nil && k.Region() != *only {
			continue
		}
		fmt.Fprintf(w, "%d,%d\n", k.CX, k.CZ)
		n++
	}
	fmt.Fprintf(w, "%d chunks\n", n)
	return nil
}

func parseRegion(s string) (store.RegionKey, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return store.RegionKey{}, fmt.Errorf("want rx,rz, got %q", s)
	}
	rx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return store.RegionKey{}, err
	}
	rz, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return store.RegionKey{}, err
	}
	return store.RegionKey{RX: rx, RZ: rz}, nil
}

func playerCmd(args []string) error {
	fs, dataDir, game := gameFlags("player")
	id := fs.String("id", "", "player id (empty lists players)")
	_ = fs.Parse(args)
	g, err := openGame(*dataDir, *game)
	if err != nil {
		return err
	}
	defer g.Close()
	return runPlayer(os.Stdout, g, *id)
}

func runPlayer(w io.Writer, g *gamefile.GameFile, id string) error {
	if id == "" {
		ids, err := g.PlayerIDs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(w, id)
		}
		return nil
	}
	b, ok, err := g.LoadPlayer(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("player %s: %w", id, fs.ErrNotExist)
	}
	printJSON(w, struct {
		ID   string `json:"id"`
		Size string `json:"size"`
		Data []byte `json:"data"`
	}{ID: id, Size: humanize.Bytes(uint64(len(b))), Data: b})
	return nil
}

func backupCmd(args []string) error {
	fs, dataDir, game := gameFlags("backup")
	out := fs.String("out", "", "backup directory (default: <data>/backups)")
	_ = fs.Parse(args)
	dst := strings.TrimSpace(*out)
	if dst == "" {
		dst = filepath.Join(*dataDir, "backups")
	}
	return runBackup(os.Stdout, *dataDir, *game, dst)
}

// runBackup refuses to pack a game that a server holds open.
func runBackup(w io.Writer, dataDir, game, outDir string) error {
	g, err := openGame(dataDir, game)
	if err != nil {
		return err
	}
	dir, meta, err := archive.BackupGame(g.Dir(), outDir)
	if cerr := g.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if _, err := os.Stat(indexPath(dataDir, game)); err == nil {
		idx, err := indexdb.OpenSQLite(indexPath(dataDir, game))
		if err != nil {
			return err
		}
		idx.RecordBackup(indexdb.BackupRow{
			Path:      dir,
			Game:      meta.Game,
			Files:     meta.Files,
			SizeBytes: meta.SizeBytes,
			CreatedAt: meta.CreatedAt,
		})
		if err := idx.Close(); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "%s\t%d files\t%s\n", dir, meta.Files, humanize.Bytes(uint64(meta.SizeBytes)))
	return nil
}

func restoreCmd(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	backup := fs.String("backup", "", "backup directory written by admin backup")
	name := fs.String("name", "", "restore under this game name (default: original name)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*backup) == "" {
		return fmt.Errorf("%w: missing -backup", errUsage)
	}
	if err := os.MkdirAll(gamesDir(*dataDir), 0o755); err != nil {
		return err
	}
	target, err := archive.RestoreBackup(*backup, gamesDir(*dataDir), *name)
	if err != nil {
		return err
	}
	fmt.Println(target)
	return nil
}

var dbQueries = map[string]string{
	"chunks":  `SELECT cx,cz,rx,rz,block,entities,saves,last_saved_at FROM chunks ORDER BY last_saved_at DESC LIMIT ?`,
	"regions": `SELECT rx,rz,COUNT(*) AS chunks,MAX(block)+1 AS blocks,SUM(saves) AS saves FROM chunks GROUP BY rx,rz ORDER BY rx,rz LIMIT ?`,
	"players": `SELECT id,size,saves,last_saved_at FROM players ORDER BY last_saved_at DESC LIMIT ?`,
	"ticks":   `SELECT tick,loaded,generated,unloaded,saved,resident,consumers FROM ticks ORDER BY tick DESC LIMIT ?`,
	"backups": `SELECT path,game,files,size_bytes,created_at FROM backups ORDER BY created_at DESC LIMIT ?`,
}

func dbCmd(args []string) error {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	game := fs.String("game", "", "game name (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "chunks"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*game) == "" {
			return fmt.Errorf("%w: missing -game or -db", errUsage)
		}
		path = indexPath(*dataDir, *game)
	}
	return runDB(os.Stdout, path, q, *limit)
}

func runDB(w io.Writer, path, q string, limit int) error {
	stmt, ok := dbQueries[q]
	if !ok {
		names := make([]string, 0, len(dbQueries))
		for n := range dbQueries {
			names = append(names, n)
		}
		sort.Strings(names)
		return fmt.Errorf("%w: unknown query %q (want %s)", errUsage, q, strings.Join(names, "|"))
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	if limit <= 0 {
		limit = 20
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer idx.Close()

	cols, rows, err := idx.Query(context.Background(), stmt, limit)
	if err != nil {
		return err
	}
	for _, row := range rows {
		m := make(map[string]string, len(cols))
		for i, c := range cols {
			m[c] = row[i]
		}
		printJSON(w, m)
	}
	return nil
}

func eventsCmd(args []string) error {
	fs, dataDir, game := gameFlags("events")
	limit := fs.Int("limit", 0, "print at most this many entries (0 = all)")
	_ = fs.Parse(args)
	if strings.TrimSpace(*game) == "" {
		return fmt.Errorf("%w: missing -game", errUsage)
	}
	return runEvents(os.Stdout, filepath.Join(gamesDir(*dataDir), *game), *limit)
}

var errLimit = errors.New("limit reached")

func runEvents(w io.Writer, gameDir string, limit int) error {
	files, err := persistlog.ListFiles(filepath.Join(gameDir, "events"), "stream")
	if err != nil {
		return err
	}
	n := 0
	for _, f := range files {
		err := persistlog.ReadTicks(f, func(e world.TickLogEntry) error {
			if limit > 0 && n >= limit {
				return errLimit
			}
			printJSON(w, e)
			n++
			return nil
		})
		if errors.Is(err, errLimit) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
