package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tileworld.ai/internal/persistence/gamefile"
	"tileworld.ai/internal/persistence/indexdb"
	persistlog "tileworld.ai/internal/persistence/log"
	"tileworld.ai/internal/protocol"
	"tileworld.ai/internal/sim/entities"
	"tileworld.ai/internal/sim/tuning"
	"tileworld.ai/internal/sim/world"
	"tileworld.ai/internal/sim/world/terrain/gen"
	"tileworld.ai/internal/sim/world/terrain/store"
	"tileworld.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		game       = flag.String("game", "world_1", "game name (directory under <data>/games)")
		seed       = flag.Int("seed", 1337, "world seed (used only when creating a fresh game)")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite save index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	// Optional: read-model index backend (never read back by the game).
	idx, err := openRuntimeIndex(filepath.Join(*dataDir, "index", *game+".sqlite"), *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}

	opts := gamefile.Options{
		Logger:   log.New(os.Stdout, "[game] ", log.LstdFlags|log.Lmicroseconds),
		Registry: entities.Default(),
	}
	if idx != nil {
		opts.Index = idx
	}
	g, created, err := openOrCreateGame(filepath.Join(*dataDir, "games"), *game, int32(*seed), opts)
	if err != nil {
		logger.Fatalf("open game: %v", err)
	}
	meta := g.Metadata()
	if created {
		logger.Printf("created game %s seed=%d", g.Dir(), meta.Seed)
	} else {
		logger.Printf("loaded game %s seed=%d entity_counter=%d", g.Dir(), meta.Seed, meta.EntityCounter)
	}

	var stream *persistlog.StreamLogger
	var tickLog multiTickLogger
	if tune.StreamLog {
		stream = persistlog.NewStreamLogger(g.Dir())
		tickLog.a = stream
	}
	if idx != nil {
		tickLog.b = idx
	}

	rt, err := world.NewRuntime(world.RuntimeConfig{
		TickRateHz:         tune.TickRateHz,
		ViewRadius:         tune.ViewRadius,
		AutosaveEveryTicks: tune.AutosaveEveryTicks,
		SpawnKeepRadius:    tune.SpawnKeepRadius,
	}, g, gen.New(meta.Seed, tune.WorldGen, g.NextEntityID), g.Registry(),
		world.WithRuntimeLogger(logger),
		world.WithTickLogger(tickLog),
	)
	if err != nil {
		logger.Fatalf("runtime: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- rt.Run(ctx) }()

	params := protocol.WorldParams{
		TickRateHz: tune.TickRateHz,
		ChunkSize:  store.ChunkSize,
		RegionEdge: store.RegionEdge,
		ViewRadius: tune.ViewRadius,
		Seed:       meta.Seed,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		ctx2, cancel2 := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel2()
		st, err := rt.RequestStats(ctx2)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, *game, st, idx)
	})

	if envBool("TW_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx2, cancel2 := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel2()
			st, err := rt.RequestStats(ctx2)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusServiceUnavailable)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(struct {
				Game  string      `json:"game"`
				Seed  int32       `json:"seed"`
				Stats world.Stats `json:"stats"`
			}{Game: *game, Seed: meta.Seed, Stats: st})
		})
	} else {
		logger.Printf("admin endpoints disabled (TW_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("TW_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(rt, params, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-rt.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
		cancel()
	}

	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("runtime stopped: %v", err)
	}
	if err := g.Close(); err != nil {
		logger.Printf("close game: %v", err)
	}
	if stream != nil {
		_ = stream.Close()
	}
	if idx != nil {
		_ = idx.Close()
	}
	logger.Printf("shutdown complete")
}

// openOrCreateGame loads root/name, creating it with seed when absent.
func openOrCreateGame(root, name string, seed int32, opts gamefile.Options) (*gamefile.GameFile, bool, error) {
	g, err := gamefile.Load(filepath.Join(root, name), opts)
	if err == nil {
		return g, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, false, err
	}
	g, err = gamefile.Create(root, name, seed, opts)
	if err != nil {
		return nil, false, err
	}
	return g, true, nil
}

func writeMetrics(rw http.ResponseWriter, game string, st world.Stats, idx *indexdb.SQLiteIndex) {
	fmt.Fprintf(rw, "# HELP tileworld_tick Current runtime tick.\n")
	fmt.Fprintf(rw, "# TYPE tileworld_tick gauge\n")
	fmt.Fprintf(rw, "tileworld_tick{game=%q} %d\n", game, st.Tick)

	fmt.Fprintf(rw, "# HELP tileworld_resident_chunks Chunks held in memory.\n")
	fmt.Fprintf(rw, "# TYPE tileworld_resident_chunks gauge\n")
	fmt.Fprintf(rw, "tileworld_resident_chunks{game=%q} %d\n", game, st.Resident)

	fmt.Fprintf(rw, "# HELP tileworld_known_chunks Chunks generated at least once.\n")
	fmt.Fprintf(rw, "# TYPE tileworld_known_chunks gauge\n")
	fmt.Fprintf(rw, "tileworld_known_chunks{game=%q} %d\n", game, st.Known)

	fmt.Fprintf(rw, "# HELP tileworld_consumers Connected consumers.\n")
	fmt.Fprintf(rw, "# TYPE tileworld_consumers gauge\n")
	fmt.Fprintf(rw, "tileworld_consumers{game=%q} %d\n", game, st.Consumers)

	if idx == nil {
		return
	}
	s := idx.Stats()
	fmt.Fprintf(rw, "# HELP tileworld_index_queue_depth Save index writer backlog.\n")
	fmt.Fprintf(rw, "# TYPE tileworld_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "tileworld_index_queue_depth{game=%q} %d\n", game, s.QueueDepth)
	fmt.Fprintf(rw, "# HELP tileworld_index_dropped_total Index writes dropped on a full queue.\n")
	fmt.Fprintf(rw, "# TYPE tileworld_index_dropped_total counter\n")
	fmt.Fprintf(rw, "tileworld_index_dropped_total{game=%q,kind=%q} %d\n", game, "chunk", s.DropChunkTotal)
	fmt.Fprintf(rw, "tileworld_index_dropped_total{game=%q,kind=%q} %d\n", game, "player", s.DropPlayerTotal)
	fmt.Fprintf(rw, "tileworld_index_dropped_total{game=%q,kind=%q} %d\n", game, "tick", s.DropTickTotal)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

type multiTickLogger struct {
	a world.TickLogger
	b world.TickLogger
}

func (m multiTickLogger) WriteTick(entry world.TickLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return nil
}
