// Command backbone runs the Event Backbone: it watches an external agent
// dashboard state document, polls terminal panes, tails structured JSONL
// session logs, persists and broadcasts everything it normalizes, and
// ingests OTLP cost/token metrics — all behind one process, wired together
// here in the same style as the teacher's cmd/server/main.go (flag parsing,
// XDG config path, context-cancellation teardown on SIGINT/SIGTERM).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/agent-racer/eventbackbone/internal/config"
	"github.com/agent-racer/eventbackbone/internal/delta"
	"github.com/agent-racer/eventbackbone/internal/hub"
	"github.com/agent-racer/eventbackbone/internal/jsonltail"
	"github.com/agent-racer/eventbackbone/internal/otlp"
	"github.com/agent-racer/eventbackbone/internal/poller"
	"github.com/agent-racer/eventbackbone/internal/recovery"
	"github.com/agent-racer/eventbackbone/internal/ring"
	"github.com/agent-racer/eventbackbone/internal/selfhealth"
	"github.com/agent-racer/eventbackbone/internal/statewatcher"
	"github.com/agent-racer/eventbackbone/internal/store"
	"github.com/agent-racer/eventbackbone/internal/wire"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to the XDG config path)")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Durable Event Store ---
	st, err := store.Open(cfg.Store.Path, cfg.Store.MaxAgeDays, cfg.Store.MaxEvents)
	if err != nil {
		log.Printf("[backbone] durable store unavailable, continuing in memory-only mode: %v", err)
		st = store.NewMemoryOnly()
	}
	defer st.Close()

	// --- Ring Log + Recovery Manager ---
	ringLog := ring.New(cfg.Ring.Capacity)
	recoveryMgr := recovery.New()
	result := recoveryMgr.Run(ctx, st, ringLog, cfg.Hub.MaxEventsToLoad)
	log.Printf("[backbone] recovery: status=%s eventsLoaded=%d duplicatesSkipped=%d memoryOnly=%v",
		result.Status, result.EventsLoaded, result.DuplicatesSkipped, result.MemoryOnlyMode)

	// --- Broadcast Hub ---
	h := hub.New(ringLog, cfg.Hub.HeartbeatInterval)
	defer h.Stop()

	if result.MemoryOnlyMode {
		h.BroadcastRaw(wire.MsgRecoveryWarning, wire.RecoveryWarningPayload{
			Mode:    wire.RecoveryMemoryOnly,
			Message: "durable store unavailable at startup; operating in memory-only mode",
			Details: result.Error,
		})
	}

	// --- Delta Detector ---
	detector := delta.New(cfg.ProjectID, cfg.Delta.DedupCapacity)

	emit := func(ev wire.TerminalEvent) {
		if recoveryMgr.HasSeen(ev.ID) {
			return
		}
		recoveryMgr.MarkSeen(ev.ID)
		ev.ProjectID = cfg.ProjectID
		ringLog.Push(ev)
		st.InsertEvent(ev)
		h.Broadcast(ev)
	}

	// --- Terminal Poller ---
	pollerCfg := poller.Config{
		TickInterval:   cfg.Poller.TickInterval,
		CLIPath:        cfg.Poller.CLIPath,
		CLITimeout:     cfg.Poller.CLITimeout,
		MaxOutputBytes: cfg.Poller.MaxOutputBytes,
		BackoffBase:    cfg.Poller.BackoffBase,
		BackoffMax:     cfg.Poller.BackoffMax,
	}
	term := poller.New(pollerCfg, func(snap poller.Snapshot) {
		for _, ev := range detector.Process(snap.PaneID, snap.Content, snap.Timestamp) {
			emit(ev)
		}
	})
	go term.Start(ctx)

	// --- State Watcher ---
	watcher := statewatcher.New(cfg.Watcher.StatePath, cfg.Watcher.Debounce, cfg.Watcher.QuietWindow,
		func(added, removed []string) {
			for _, paneID := range added {
				term.AddSource(paneID, "")
			}
			for _, paneID := range removed {
				term.RemoveSource(paneID)
				detector.RemovePane(paneID)
			}
		})
	if err := watcher.Start(ctx); err != nil {
		log.Printf("[backbone] state watcher failed to start: %v", err)
	}

	// --- JSONL Tailer ---
	tailer := jsonltail.New(cfg.JSONL.Dir, cfg.JSONL.GlobSuffix,
		func(ev wire.StreamEvent, session wire.SessionMetadata) {
			st.InsertStreamEvent(ev, session)
			h.BroadcastRaw(wire.MsgStreamEvent, wire.StreamEventPayload{Event: ev})
			h.BroadcastRaw(wire.MsgSessionUpdate, wire.SessionUpdatePayload{Session: session})
		},
		func(paneID string, session wire.SessionMetadata) {
			h.BroadcastRaw(wire.MsgSessionStart, wire.SessionStartPayload{PaneID: paneID, Session: session})
		},
		func(path string, err error) {
			log.Printf("[backbone] jsonl tailer error on %s: %v", path, err)
		})
	if err := tailer.Start(ctx); err != nil {
		log.Printf("[backbone] jsonl tailer failed to start: %v", err)
	}

	// --- OTLP Receiver & Cost Aggregator ---
	receiver := otlp.NewReceiver(h.BroadcastRaw)
	if cfg.OTLP.Enabled {
		otlpMux := http.NewServeMux()
		otlpMux.HandleFunc("/v1/metrics", receiver.ServeIngest)
		go func() {
			addr := serverAddr(cfg.Server.Host, cfg.OTLP.Port)
			log.Printf("[backbone] OTLP receiver listening on %s", addr)
			if err := hub.ListenAndServe(ctx, addr, otlpMux); err != nil && err != http.ErrServerClosed {
				log.Printf("[backbone] OTLP receiver error: %v", err)
			}
		}()

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", receiver.MetricsHandler())
		go func() {
			addr := serverAddr(cfg.Server.Host, cfg.OTLP.MetricsPort)
			log.Printf("[backbone] Prometheus exposition listening on %s", addr)
			if err := hub.ListenAndServe(ctx, addr, metricsMux); err != nil && err != http.ErrServerClosed {
				log.Printf("[backbone] Prometheus exposition error: %v", err)
			}
		}()
	}

	// --- Self-health ---
	health, err := selfhealth.New()
	if err != nil {
		log.Printf("[backbone] self-health reporter unavailable: %v", err)
		health = nil
	}

	// --- HTTP surface ---
	srv := hub.NewServer(h, st, recoveryMgr, health, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := serverAddr(cfg.Server.Host, cfg.Server.Port)
		log.Printf("[backbone] listening on %s", addr)
		if err := hub.ListenAndServe(ctx, addr, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("[backbone] server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			reloadConfig(cfgPath, cfg, term, tailer, h)
			continue
		}
		break
	}

	log.Println("[backbone] shutting down")
	// Teardown in reverse startup order: Broadcast Hub stops accepting new
	// work, then the ingestion subsystems, then the durable store, then the
	// Ring Log (in-memory, nothing to release).
	cancel()
	watcher.Stop()
	wg.Wait()
}

func serverAddr(host string, port int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// reloadConfig re-reads cfgPath, logs what changed via config.Diff, and
// pushes the diffed fields into the running Poller/Tailer/Hub via their
// SetConfig/SetDir/SetHeartbeatInterval setters, matching the teacher's
// config.Diff + SetConfig hot-reload pattern. Ring/Store/Detector capacity
// fields are reported by config.Diff but have no live-apply path yet and
// still require a restart; the log line says so explicitly rather than
// implying they took effect.
func reloadConfig(cfgPath string, current *config.Config, term *poller.Poller, tailer *jsonltail.Tailer, h *hub.Hub) {
	updated, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("[backbone] SIGHUP: failed to reload config: %v", err)
		return
	}
	changes := config.Diff(current, updated)
	if len(changes) == 0 {
		log.Printf("[backbone] SIGHUP: config unchanged")
		return
	}
	for _, c := range changes {
		log.Printf("[backbone] SIGHUP: %s", c)
	}

	term.SetConfig(updated.Poller.TickInterval, updated.Poller.BackoffBase, updated.Poller.BackoffMax)
	tailer.SetDir(updated.JSONL.Dir)
	h.SetHeartbeatInterval(updated.Hub.HeartbeatInterval)

	if updated.Ring.Capacity != current.Ring.Capacity ||
		updated.Store.MaxAgeDays != current.Store.MaxAgeDays ||
		updated.Store.MaxEvents != current.Store.MaxEvents ||
		updated.Delta.DedupCapacity != current.Delta.DedupCapacity {
		log.Printf("[backbone] SIGHUP: ring/store/delta capacity changes require a restart to take effect")
	}

	*current = *updated
}
