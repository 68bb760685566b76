package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/varkas/deathwatch/internal/domain"
	"github.com/varkas/deathwatch/internal/storage"
)

// Broadcaster pushes events to live subscribers. The WebSocket hub
// implements it; a nil broadcaster disables broadcasting.
type Broadcaster interface {
	Broadcast(event domain.Event)
}

// Recorder is the audit trail: every state transition and admin action goes
// through it. Entries are appended to the store, written to the process log
// and mirrored onto the broadcaster, in that order. A failed append is
// logged and the entry still broadcasts; the trail is best-effort, the ban
// state itself never depends on it.
type Recorder struct {
	store *storage.Store
	bc    Broadcaster
}

// NewRecorder creates a recorder appending to store and mirroring to bc.
func NewRecorder(store *storage.Store, bc Broadcaster) *Recorder {
	return &Recorder{store: store, bc: bc}
}

// Record persists one audit entry, filling in id and timestamp when unset.
func (r *Recorder) Record(ctx context.Context, entry domain.AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	if err := r.store.AppendAudit(ctx, &entry); err != nil {
		log.Printf("Audit: appending %s entry: %v", entry.Action, err)
	}

	msg := "Audit: [" + entry.Actor + "] " + entry.Action
	if entry.SteamID != "" {
		msg += " " + entry.SteamID
	}
	if entry.ServerID != "" {
		msg += " on " + entry.ServerID
	}
	msg += ": " + entry.Result
	if entry.Detail != "" {
		msg += " (" + entry.Detail + ")"
	}
	log.Print(msg)

	if r.bc != nil {
		r.bc.Broadcast(domain.Event{
			Type:      entry.Action,
			ServerID:  entry.ServerID,
			Timestamp: entry.Timestamp,
			Data:      entry,
		})
	}
}

// Notify broadcasts a transient event without persisting it. Used for
// signals that would flood the audit table, like deferred materializations.
func (r *Recorder) Notify(event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if r.bc != nil {
		r.bc.Broadcast(event)
	}
}
