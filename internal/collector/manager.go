package collector

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/varkas/deathwatch/internal/config"
	"github.com/varkas/deathwatch/internal/domain"
	"github.com/varkas/deathwatch/internal/storage"
)

// DeathSink receives death observations from the collector. The returned
// channel closes once the observation has been fully applied; the manager
// waits on it before persisting the cursor.
type DeathSink interface {
	HandleDeath(ctx context.Context, obs domain.DeathObservation) <-chan struct{}
}

// Manager orchestrates log tailing for all configured servers
type Manager struct {
	cfg    *config.Config
	store  *storage.Store
	sink   DeathSink
	events chan domain.Event

	mu      sync.RWMutex
	servers map[string]*serverState
	done    chan struct{}
	wg      sync.WaitGroup // track goroutine completion for graceful shutdown
}

// serverState tracks one monitored server's tailer and counters
type serverState struct {
	server domain.GameServer
	tailer *Tailer
	stats  domain.TailStatus
}

// NewManager creates a new manager
func NewManager(cfg *config.Config, store *storage.Store, sink DeathSink) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		sink:    sink,
		events:  make(chan domain.Event, 100),
		servers: make(map[string]*serverState),
		done:    make(chan struct{}),
	}
}

// Events returns the event channel for WebSocket broadcasting
func (m *Manager) Events() <-chan domain.Event {
	return m.events
}

// Start restores cursors and begins tailing every configured server
func (m *Manager) Start(ctx context.Context) error {
	for _, srv := range m.cfg.Servers {
		state := &serverState{
			server: srv,
			tailer: NewTailer(srv.ID, srv.LogDir, m.cfg.Collector.FilePattern),
			stats:  domain.TailStatus{ServerID: srv.ID},
		}

		cursor, err := m.store.GetCursor(ctx, srv.ID)
		if err != nil {
			return err
		}
		if cursor != nil && cursor.File != "" {
			state.tailer.Restore(cursor.File, cursor.Offset)
			state.stats.File = cursor.File
			state.stats.Offset = cursor.Offset
			log.Printf("Server %s: resuming at %s:%d", srv.ID, cursor.File, cursor.Offset)
		} else {
			log.Printf("Server %s: no cursor, attaching to newest log in %s", srv.ID, srv.LogDir)
		}

		m.servers[srv.ID] = state
		m.wg.Add(1)
		go m.tailLoop(ctx, state)
	}
	return nil
}

// Stop stops all tailers and waits for in-flight batches to finish
func (m *Manager) Stop() {
	log.Println("Collector: stopping...")
	close(m.done)
	m.wg.Wait()
	log.Println("Collector: shutdown complete")
}

// Status returns the live tail state for one server
func (m *Manager) Status(serverID string) (domain.TailStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if state, ok := m.servers[serverID]; ok {
		return state.stats, true
	}
	return domain.TailStatus{}, false
}

// Statuses returns the live tail state of every server in config order
func (m *Manager) Statuses() []domain.TailStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]domain.TailStatus, 0, len(m.servers))
	for _, srv := range m.cfg.Servers {
		if state, ok := m.servers[srv.ID]; ok {
			statuses = append(statuses, state.stats)
		}
	}
	return statuses
}

// tailLoop polls one server's log directory until shutdown
func (m *Manager) tailLoop(ctx context.Context, state *serverState) {
	defer m.wg.Done()
	defer state.tailer.Close()

	ticker := time.NewTicker(m.cfg.Collector.PollInterval)
	defer ticker.Stop()

	// Initial poll so restarts catch up immediately
	m.pollServer(ctx, state)

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollServer(ctx, state)
		}
	}
}

// pollServer reads one batch, applies its events and persists the cursor.
// The cursor only ever moves after every event in the batch has been fully
// applied, so a crash re-delivers at most the last unflushed batch.
func (m *Manager) pollServer(ctx context.Context, state *serverState) {
	batch, err := state.tailer.Poll()
	if err != nil {
		log.Printf("Server %s: poll error: %v", state.server.ID, err)
		m.mu.Lock()
		state.stats.LastError = err.Error()
		m.mu.Unlock()
		return
	}
	if batch == nil {
		return
	}
	if len(batch.Lines) == 0 && batch.Rotation == nil {
		return
	}

	var deaths, skipped int64
	var lastEvent time.Time
	var waits []<-chan struct{}
	for _, line := range batch.Lines {
		ev, err := ParseLine(state.server.ID, line)
		if err != nil {
			skipped++
			log.Printf("Server %s: skipping line: %v", state.server.ID, err)
			continue
		}
		if ev == nil {
			skipped++
			continue
		}
		lastEvent = ev.Timestamp
		if ev.Kind == KindDeath {
			if !domain.ValidSteamID(ev.SteamID, m.cfg.Engine.IdentityMinDigits) {
				skipped++
				log.Printf("Server %s: skipping death with malformed id %q", state.server.ID, ev.SteamID)
				continue
			}
			deaths++
			waits = append(waits, m.sink.HandleDeath(ctx, domain.DeathObservation{
				SteamID:  ev.SteamID,
				ServerID: ev.ServerID,
				AliveSec: ev.AliveSec,
				At:       ev.Timestamp,
			}))
		}
	}

	// Each user processes on their own engine lane, so waiting here delays
	// only this server's cursor, never other users or other servers.
	for _, done := range waits {
		<-done
	}

	if batch.Rotation != nil {
		m.handleRotation(ctx, state, batch.Rotation)
	}

	file, offset := state.tailer.Position()
	if file != "" {
		if err := m.store.SaveCursor(ctx, state.server.ID, file, offset); err != nil {
			log.Printf("Server %s: saving cursor: %v", state.server.ID, err)
		}
	}

	m.mu.Lock()
	state.stats.File = file
	state.stats.Offset = offset
	state.stats.Lines += int64(len(batch.Lines))
	state.stats.Deaths += deaths
	state.stats.Skipped += skipped
	if !lastEvent.IsZero() {
		t := lastEvent
		state.stats.LastEvent = &t
	}
	state.stats.LastError = ""
	m.mu.Unlock()
}

// handleRotation finalizes the outgoing cursor, reports the hand-over and
// kicks off archiving when enabled. Runs after the drained batch has been
// applied so the finalized offset never covers unprocessed bytes.
func (m *Manager) handleRotation(ctx context.Context, state *serverState, rot *domain.RotationEvent) {
	eventType := domain.EventLogRotated
	if rot.Truncated {
		eventType = domain.EventLogTruncated
		log.Printf("Server %s: %s truncated, cursor reset from %d", state.server.ID, rot.OldFile, rot.OldOffset)
	} else {
		log.Printf("Server %s: log rotated %s:%d -> %s", state.server.ID, rot.OldFile, rot.OldOffset, rot.NewFile)
		if rot.OldFile != "" {
			if err := m.store.FinalizeCursor(ctx, state.server.ID, rot.OldFile, rot.OldOffset); err != nil {
				log.Printf("Server %s: finalizing cursor: %v", state.server.ID, err)
			}
			if m.cfg.Collector.ArchiveRotatedLogs {
				path := filepath.Join(state.server.LogDir, rot.OldFile)
				m.wg.Add(1)
				go func() {
					defer m.wg.Done()
					if err := archiveFile(path); err != nil {
						log.Printf("Server %s: archiving %s: %v", state.server.ID, rot.OldFile, err)
					} else {
						log.Printf("Server %s: archived %s", state.server.ID, rot.OldFile)
					}
				}()
			}
		}
	}

	m.mu.Lock()
	state.stats.Rotations++
	m.mu.Unlock()

	m.emitEvent(domain.Event{
		Type:      eventType,
		ServerID:  state.server.ID,
		Timestamp: time.Now().UTC(),
		Data:      rot,
	})
}

// emitEvent sends an event for broadcast, dropping it if the channel is full
func (m *Manager) emitEvent(event domain.Event) {
	select {
	case m.events <- event:
	default:
		// Event channel full, drop event
	}
}
