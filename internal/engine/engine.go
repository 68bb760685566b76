package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/varkas/deathwatch/internal/config"
	"github.com/varkas/deathwatch/internal/domain"
	"github.com/varkas/deathwatch/internal/lists"
	"github.com/varkas/deathwatch/internal/policy"
	"github.com/varkas/deathwatch/internal/storage"
)

// WipeConfirmPhrase must be supplied verbatim to Wipe.
const WipeConfirmPhrase = "ERASE ALL USERS"

var (
	ErrInvalidSteamID       = errors.New("invalid steam id")
	ErrUnknownUser          = errors.New("unknown user")
	ErrUnknownServer        = errors.New("unknown server")
	ErrNotDead              = errors.New("user is not dead")
	ErrConfirmationMismatch = errors.New("confirmation phrase does not match")
)

// AuditSink receives the engine's state transitions. Record persists an
// entry and broadcasts it; Notify broadcasts a transient event without
// persisting anything.
type AuditSink interface {
	Record(ctx context.Context, entry domain.AuditEntry)
	Notify(event domain.Event)
}

// IntentPublisher asks the chat-platform bridge to act on a user. A nil
// publisher disables intents.
type IntentPublisher interface {
	MoveToPrivateChannel(ctx context.Context, platformID string) error
}

// OpResult reports one admin operation: the user state after the transition
// plus how the list materialization went.
type OpResult struct {
	User   domain.User `json:"user"`
	Result string      `json:"result"`
	Detail string      `json:"detail,omitempty"`
}

// Stats summarizes the registry for status endpoints.
type Stats struct {
	Users             int `json:"users"`
	Dead              int `json:"dead"`
	ValidationPending int `json:"validation_pending"`
	DirtySyncs        int `json:"dirty_syncs"`
}

// Engine owns the user registry and drives every ban and whitelist file
// toward the state the registry implies: an id is in a server's ban file
// exactly when at least one active reason (dead, validation pending) targets
// that server. All work for one user runs on that user's lane, so per-user
// transitions are strictly ordered while distinct users proceed in parallel.
//
// Failed or unresolvable materializations park the user in a dirty set that
// a background loop retries; the files converge once the obstacle clears.
type Engine struct {
	cfg      *config.Config
	store    *storage.Store
	resolver *policy.Resolver
	lists    map[string]*lists.ServerLists
	audit    AuditSink
	intents  IntentPublisher

	// gate is read-held by every lane task and write-held by Wipe, which
	// needs the whole engine quiescent.
	gate sync.RWMutex

	disp  *dispatcher
	sched *ReviveScheduler

	mu              sync.RWMutex
	users           map[string]*domain.User
	usersByPlatform map[string]string // platform id -> steam id
	dirty           map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an engine over the given registry, resolver and list files.
// Call Start before feeding it observations.
func New(cfg *config.Config, store *storage.Store, resolver *policy.Resolver, serverLists []*lists.ServerLists, sink AuditSink, intents IntentPublisher) *Engine {
	byID := make(map[string]*lists.ServerLists, len(serverLists))
	for _, sl := range serverLists {
		byID[sl.ServerID] = sl
	}
	e := &Engine{
		cfg:             cfg,
		store:           store,
		resolver:        resolver,
		lists:           byID,
		audit:           sink,
		intents:         intents,
		disp:            newDispatcher(),
		users:           make(map[string]*domain.User),
		usersByPlatform: make(map[string]string),
		dirty:           make(map[string]bool),
		done:            make(chan struct{}),
	}
	e.sched = NewReviveScheduler(e.onReviveTimer)
	return e
}

// Start loads the registry, reconciles every list file against it and
// re-arms persisted revive deadlines. Deadlines that passed while the
// coordinator was down fire immediately.
func (e *Engine) Start(ctx context.Context) error {
	users, err := e.store.GetAllUsers(ctx)
	if err != nil {
		return fmt.Errorf("loading user registry: %w", err)
	}

	dead, pending := 0, 0
	e.mu.Lock()
	for i := range users {
		u := users[i]
		e.users[u.SteamID] = &u
		if u.PlatformID != "" {
			e.usersByPlatform[u.PlatformID] = u.SteamID
		}
		if u.Dead {
			dead++
		}
		if u.ValidationPending {
			pending++
		}
	}
	e.mu.Unlock()
	log.Printf("Engine: loaded %d users (%d dead, %d validation pending)", len(users), dead, pending)

	e.initialSync(ctx)

	rearmed := 0
	e.mu.RLock()
	type arm struct {
		steamID  string
		deadline time.Time
	}
	arms := make([]arm, 0, dead)
	for _, u := range e.users {
		if u.Dead && u.DeadUntil != nil {
			arms = append(arms, arm{u.SteamID, *u.DeadUntil})
		}
	}
	e.mu.RUnlock()
	for _, a := range arms {
		e.sched.Arm(a.steamID, a.deadline)
		rearmed++
	}
	if rearmed > 0 {
		log.Printf("Engine: re-armed %d revive timers", rearmed)
	}

	e.wg.Add(1)
	go e.resyncLoop()
	return nil
}

// Stop drains the engine. Producers (collector, presence, HTTP) must be
// stopped first; queued lane work finishes before Stop returns.
func (e *Engine) Stop() {
	log.Println("Engine: stopping...")
	close(e.done)
	e.sched.Stop()
	e.wg.Wait()
	e.disp.wait()
	log.Println("Engine: shutdown complete")
}

// HandleDeath queues a death observation on the user's lane. The returned
// channel closes once the observation is fully applied, including list
// writes; the collector waits on it before advancing its cursor.
func (e *Engine) HandleDeath(ctx context.Context, obs domain.DeathObservation) <-chan struct{} {
	return e.disp.submit(obs.SteamID, func() {
		e.gate.RLock()
		defer e.gate.RUnlock()
		e.applyDeath(ctx, obs)
	})
}

// onReviveTimer is the scheduler's fire callback.
func (e *Engine) onReviveTimer(steamID string) {
	select {
	case <-e.done:
		return
	default:
	}
	e.disp.submit(steamID, func() {
		e.gate.RLock()
		defer e.gate.RUnlock()
		e.applyRevive(context.Background(), steamID)
	})
}

// AdminBan marks the user dead with no revive deadline. The ban stands
// until an operator lifts it.
func (e *Engine) AdminBan(ctx context.Context, steamID, actor string) (*OpResult, error) {
	if !domain.ValidSteamID(steamID, e.cfg.Engine.IdentityMinDigits) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSteamID, steamID)
	}
	return e.runOp(ctx, steamID, func(ctx context.Context) (*OpResult, error) {
		e.sched.Disarm(steamID)

		e.mu.Lock()
		u := e.getOrCreateLocked(steamID)
		u.Dead = true
		u.DeadUntil = nil
		u.UpdatedAt = time.Now().UTC()
		snapshot := *u
		e.mu.Unlock()

		result, syncDetail := e.commit(ctx, &snapshot)
		e.audit.Record(ctx, domain.AuditEntry{
			Actor:   actor,
			Action:  domain.EventAdminBan,
			SteamID: steamID,
			Result:  result,
			Detail:  joinDetail("permanent ban", syncDetail),
		})
		return &OpResult{User: snapshot, Result: result, Detail: syncDetail}, nil
	})
}

// AdminUnban clears every ban reason at once: death, pending validation and
// the validated marker. The id leaves every ban file it was in.
func (e *Engine) AdminUnban(ctx context.Context, steamID, actor string) (*OpResult, error) {
	if !domain.ValidSteamID(steamID, e.cfg.Engine.IdentityMinDigits) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSteamID, steamID)
	}
	return e.runOp(ctx, steamID, func(ctx context.Context) (*OpResult, error) {
		e.sched.Disarm(steamID)

		e.mu.Lock()
		u, ok := e.users[steamID]
		if !ok {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownUser, steamID)
		}
		u.Dead = false
		u.DeadUntil = nil
		u.ValidationPending = false
		u.ValidatedAt = nil
		u.UpdatedAt = time.Now().UTC()
		snapshot := *u
		e.mu.Unlock()

		result, syncDetail := e.commit(ctx, &snapshot)
		e.audit.Record(ctx, domain.AuditEntry{
			Actor:   actor,
			Action:  domain.EventAdminUnban,
			SteamID: steamID,
			Result:  result,
			Detail:  syncDetail,
		})
		return &OpResult{User: snapshot, Result: result, Detail: syncDetail}, nil
	})
}

// AdminRevive ends the death early. Unlike AdminUnban it touches only the
// death reason; a pending validation keeps the user banned.
func (e *Engine) AdminRevive(ctx context.Context, steamID, actor string) (*OpResult, error) {
	if !domain.ValidSteamID(steamID, e.cfg.Engine.IdentityMinDigits) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSteamID, steamID)
	}
	return e.runOp(ctx, steamID, func(ctx context.Context) (*OpResult, error) {
		e.mu.Lock()
		u, ok := e.users[steamID]
		if !ok {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownUser, steamID)
		}
		if !u.Dead {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNotDead, steamID)
		}
		u.Dead = false
		u.DeadUntil = nil
		u.UpdatedAt = time.Now().UTC()
		snapshot := *u
		e.mu.Unlock()

		e.sched.Disarm(steamID)

		result, syncDetail := e.commit(ctx, &snapshot)
		e.audit.Record(ctx, domain.AuditEntry{
			Actor:   actor,
			Action:  domain.EventAdminRevive,
			SteamID: steamID,
			Result:  result,
			Detail:  syncDetail,
		})
		return &OpResult{User: snapshot, Result: result, Detail: syncDetail}, nil
	})
}

// RequestValidation links the user to a chat-platform account and puts them
// in validation: banned everywhere the policy says, whitelisted on the
// whitelist targets, and released the moment they show up in their private
// voice channel.
func (e *Engine) RequestValidation(ctx context.Context, steamID, platformID, actor string) (*OpResult, error) {
	if !domain.ValidSteamID(steamID, e.cfg.Engine.IdentityMinDigits) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSteamID, steamID)
	}
	return e.runOp(ctx, steamID, func(ctx context.Context) (*OpResult, error) {
		e.mu.Lock()
		u := e.getOrCreateLocked(steamID)
		if platformID != "" && platformID != u.PlatformID {
			if u.PlatformID != "" {
				delete(e.usersByPlatform, u.PlatformID)
			}
			u.PlatformID = platformID
			e.usersByPlatform[platformID] = steamID
		}
		u.ValidationPending = true
		u.ValidatedAt = nil
		u.UpdatedAt = time.Now().UTC()
		snapshot := *u
		e.mu.Unlock()

		result, syncDetail := e.commit(ctx, &snapshot)

		if snapshot.PlatformID != "" && e.intents != nil {
			if err := e.intents.MoveToPrivateChannel(ctx, snapshot.PlatformID); err != nil {
				log.Printf("User %s: move intent: %v", steamID, err)
			}
		}

		e.audit.Record(ctx, domain.AuditEntry{
			Actor:   actor,
			Action:  domain.EventValidationRequested,
			SteamID: steamID,
			Result:  result,
			Detail:  joinDetail("platform "+snapshot.PlatformID, syncDetail),
		})
		return &OpResult{User: snapshot, Result: result, Detail: syncDetail}, nil
	})
}

// SetActiveServer records which server the user currently plays on and
// re-materializes their lists, moving any active ban along with them.
func (e *Engine) SetActiveServer(ctx context.Context, steamID, serverID, actor string) (*OpResult, error) {
	if !domain.ValidSteamID(steamID, e.cfg.Engine.IdentityMinDigits) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSteamID, steamID)
	}
	if _, ok := e.cfg.ServerByID(serverID); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
	}
	return e.runOp(ctx, steamID, func(ctx context.Context) (*OpResult, error) {
		e.mu.Lock()
		u := e.getOrCreateLocked(steamID)
		prev := u.ActiveServer
		u.ActiveServer = serverID
		u.UpdatedAt = time.Now().UTC()
		snapshot := *u
		e.mu.Unlock()

		if prev == "" {
			prev = "(unset)"
		}
		result, syncDetail := e.commit(ctx, &snapshot)
		e.audit.Record(ctx, domain.AuditEntry{
			Actor:    actor,
			Action:   domain.EventActiveServerChanged,
			SteamID:  steamID,
			ServerID: serverID,
			Result:   result,
			Detail:   joinDetail(prev+" -> "+serverID, syncDetail),
		})
		return &OpResult{User: snapshot, Result: result, Detail: syncDetail}, nil
	})
}

// VoiceJoined handles a voice channel join for a linked platform account.
// Joining the own private channel completes a pending validation.
func (e *Engine) VoiceJoined(ctx context.Context, platformID, channelID string) {
	steamID, ok := e.lookupPlatform(platformID)
	if !ok {
		return
	}
	e.disp.submit(steamID, func() {
		e.gate.RLock()
		defer e.gate.RUnlock()
		e.applyVoiceJoined(ctx, steamID, channelID)
	})
}

// VoiceLeft handles a voice channel leave. Leaving the own private channel
// puts a previously validated user back into validation.
func (e *Engine) VoiceLeft(ctx context.Context, platformID, channelID string) {
	steamID, ok := e.lookupPlatform(platformID)
	if !ok {
		return
	}
	e.disp.submit(steamID, func() {
		e.gate.RLock()
		defer e.gate.RUnlock()
		e.applyVoiceLeft(ctx, steamID, channelID)
	})
}

// Wipe erases the whole user registry after removing every owned entry from
// every ban and whitelist file. Foreign entries stay. List cleanup failures
// abort the wipe before the registry is touched, so a retry sees the full
// id set again.
func (e *Engine) Wipe(ctx context.Context, confirm, actor string) (int64, error) {
	if confirm != WipeConfirmPhrase {
		return 0, ErrConfirmationMismatch
	}

	e.gate.Lock()
	defer e.gate.Unlock()

	e.sched.DisarmAll()

	e.mu.RLock()
	owned := make([]string, 0, len(e.users))
	for id := range e.users {
		owned = append(owned, id)
	}
	e.mu.RUnlock()
	sort.Strings(owned)

	var errs []error
	for _, srv := range e.cfg.Servers {
		sl := e.lists[srv.ID]
		if _, _, err := sl.Bans.Reconcile(ctx, owned, nil); err != nil {
			errs = append(errs, err)
		}
		if _, _, err := sl.Whitelist.Reconcile(ctx, owned, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		e.audit.Record(ctx, domain.AuditEntry{
			Actor:  actor,
			Action: domain.EventWipe,
			Result: domain.ResultError,
			Detail: "list cleanup failed: " + err.Error(),
		})
		return 0, err
	}

	count, err := e.store.WipeUsers(ctx)
	if err != nil {
		err = fmt.Errorf("wiping registry: %w", err)
		e.audit.Record(ctx, domain.AuditEntry{
			Actor:  actor,
			Action: domain.EventWipe,
			Result: domain.ResultError,
			Detail: err.Error(),
		})
		return 0, err
	}

	e.mu.Lock()
	e.users = make(map[string]*domain.User)
	e.usersByPlatform = make(map[string]string)
	e.dirty = make(map[string]bool)
	e.mu.Unlock()

	log.Printf("Engine: wiped %d users", count)
	e.audit.Record(ctx, domain.AuditEntry{
		Actor:  actor,
		Action: domain.EventWipe,
		Result: domain.ResultOK,
		Detail: fmt.Sprintf("%d users erased", count),
	})
	return count, nil
}

// User returns a copy of one user.
func (e *Engine) User(steamID string) (*domain.User, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	u, ok := e.users[steamID]
	if !ok {
		return nil, false
	}
	cp := *u
	return &cp, true
}

// Stats summarizes the registry.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Stats{Users: len(e.users), DirtySyncs: len(e.dirty)}
	for _, u := range e.users {
		if u.Dead {
			st.Dead++
		}
		if u.ValidationPending {
			st.ValidationPending++
		}
	}
	return st
}

// runOp runs op on the user's lane and waits for it. The op still runs to
// completion if the caller's context expires first.
func (e *Engine) runOp(ctx context.Context, steamID string, op func(context.Context) (*OpResult, error)) (*OpResult, error) {
	var res *OpResult
	var err error
	done := e.disp.submit(steamID, func() {
		e.gate.RLock()
		defer e.gate.RUnlock()
		res, err = op(ctx)
	})
	select {
	case <-done:
		return res, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) lookupPlatform(platformID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	steamID, ok := e.usersByPlatform[platformID]
	return steamID, ok
}

// applyDeath records a death and (re)starts the revive clock. A second
// death while already dead resets the deadline, it never stacks.
func (e *Engine) applyDeath(ctx context.Context, obs domain.DeathObservation) {
	deadline := obs.At.Add(e.cfg.Engine.Cooldown)
	at := obs.At

	e.mu.Lock()
	u := e.getOrCreateLocked(obs.SteamID)
	if u.HomeServer == "" {
		u.HomeServer = obs.ServerID
	}
	u.Dead = true
	u.DeadUntil = &deadline
	u.DeathAt = &at
	u.LastDeathServer = obs.ServerID
	u.LastAliveSec = obs.AliveSec
	u.DeathCount++
	u.UpdatedAt = time.Now().UTC()
	snapshot := *u
	e.mu.Unlock()

	e.sched.Arm(obs.SteamID, deadline)

	result, syncDetail := e.commit(ctx, &snapshot)
	e.audit.Record(ctx, domain.AuditEntry{
		Actor:    "system",
		Action:   domain.EventDeath,
		SteamID:  obs.SteamID,
		ServerID: obs.ServerID,
		Result:   result,
		Detail: joinDetail(
			fmt.Sprintf("death #%d, revive at %s", snapshot.DeathCount, deadline.UTC().Format(time.RFC3339)),
			syncDetail,
		),
	})
}

// applyRevive ends a death whose deadline has passed. Fires for a deadline
// that was reset or cleared in the meantime are stale and dropped; the
// persisted deadline is the source of truth, not the timer that fired.
func (e *Engine) applyRevive(ctx context.Context, steamID string) {
	now := time.Now().UTC()

	e.mu.Lock()
	u, ok := e.users[steamID]
	if !ok || !u.Dead || u.DeadUntil == nil || u.DeadUntil.After(now) {
		e.mu.Unlock()
		return
	}
	u.Dead = false
	u.DeadUntil = nil
	u.UpdatedAt = now
	snapshot := *u
	e.mu.Unlock()

	result, syncDetail := e.commit(ctx, &snapshot)
	e.audit.Record(ctx, domain.AuditEntry{
		Actor:   "timer",
		Action:  domain.EventRevive,
		SteamID: steamID,
		Result:  result,
		Detail:  joinDetail("cooldown elapsed", syncDetail),
	})
}

func (e *Engine) applyVoiceJoined(ctx context.Context, steamID, channelID string) {
	now := time.Now().UTC()

	e.mu.Lock()
	u, ok := e.users[steamID]
	if !ok {
		e.mu.Unlock()
		return
	}
	u.LastVoiceChannel = channelID
	u.LastVoiceSeenAt = &now
	u.UpdatedAt = now
	validated := channelID != "" && channelID == u.PlatformID && u.ValidationPending
	if validated {
		u.ValidationPending = false
		u.ValidatedAt = &now
	}
	snapshot := *u
	e.mu.Unlock()

	if !validated {
		// Presence bookkeeping only.
		if err := e.store.UpsertUser(ctx, &snapshot); err != nil {
			log.Printf("User %s: persisting voice state: %v", steamID, err)
		}
		return
	}

	result, syncDetail := e.commit(ctx, &snapshot)
	e.audit.Record(ctx, domain.AuditEntry{
		Actor:   "system",
		Action:  domain.EventValidationCleared,
		SteamID: steamID,
		Result:  result,
		Detail:  joinDetail("joined private channel", syncDetail),
	})
}

func (e *Engine) applyVoiceLeft(ctx context.Context, steamID, channelID string) {
	now := time.Now().UTC()

	e.mu.Lock()
	u, ok := e.users[steamID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if u.LastVoiceChannel == channelID {
		u.LastVoiceChannel = ""
	}
	u.LastVoiceSeenAt = &now
	u.UpdatedAt = now
	reinstated := channelID != "" && channelID == u.PlatformID && !u.ValidationPending && u.ValidatedAt != nil
	if reinstated {
		u.ValidationPending = true
		u.ValidatedAt = nil
	}
	snapshot := *u
	e.mu.Unlock()

	if !reinstated {
		if err := e.store.UpsertUser(ctx, &snapshot); err != nil {
			log.Printf("User %s: persisting voice state: %v", steamID, err)
		}
		return
	}

	result, syncDetail := e.commit(ctx, &snapshot)
	e.audit.Record(ctx, domain.AuditEntry{
		Actor:   "system",
		Action:  domain.EventValidationReinstated,
		SteamID: steamID,
		Result:  result,
		Detail:  joinDetail("left private channel", syncDetail),
	})
}

// getOrCreateLocked returns the user, creating a fresh record if needed.
// Callers hold e.mu.
func (e *Engine) getOrCreateLocked(steamID string) *domain.User {
	if u, ok := e.users[steamID]; ok {
		return u
	}
	now := time.Now().UTC()
	u := &domain.User{
		SteamID:      steamID,
		ActiveServer: e.cfg.Policy.DefaultActiveServer,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	e.users[steamID] = u
	return u
}

// desiredLists computes which servers must carry the user in their ban file
// and which in their whitelist file. Both active ban reasons resolve through
// the same policy, so one resolution covers their union. An unresolvable
// target defers the whole materialization rather than guessing.
func (e *Engine) desiredLists(u *domain.User) (bans, whitelist map[string]bool, err error) {
	bans = make(map[string]bool)
	if u.Dead || u.ValidationPending {
		targets, terr := e.resolver.BanTargets(u)
		if terr != nil {
			return nil, nil, terr
		}
		for _, id := range targets {
			bans[id] = true
		}
	}
	whitelist = make(map[string]bool)
	if u.ValidationPending || u.ValidatedAt != nil {
		targets, terr := e.resolver.WhitelistTargets(u)
		if terr != nil {
			return nil, nil, terr
		}
		for _, id := range targets {
			whitelist[id] = true
		}
	}
	return bans, whitelist, nil
}

// commit persists the snapshot and reconciles the list files against it.
// Returns an audit result and detail; anything short of full success leaves
// the user in the dirty set for the resync loop.
func (e *Engine) commit(ctx context.Context, u *domain.User) (string, string) {
	persistErr := e.store.UpsertUser(ctx, u)
	if persistErr != nil {
		log.Printf("User %s: persisting: %v", u.SteamID, persistErr)
	}
	result, detail := e.reconcile(ctx, u)
	if persistErr != nil {
		e.markDirty(u.SteamID)
		if result == domain.ResultOK {
			result, detail = domain.ResultError, "registry write failed: "+persistErr.Error()
		}
	}
	return result, detail
}

// reconcile diffs the user's desired list membership against every
// configured server's files. Ban entries are added and removed to match;
// whitelist entries are only ever added, they stay until a wipe.
func (e *Engine) reconcile(ctx context.Context, u *domain.User) (string, string) {
	bansWanted, wlWanted, derr := e.desiredLists(u)
	if derr != nil {
		log.Printf("User %s: %v, materialization deferred", u.SteamID, derr)
		if e.markDirty(u.SteamID) {
			e.audit.Notify(domain.Event{
				Type:      domain.EventPolicyDeferred,
				Timestamp: time.Now().UTC(),
				Data:      domain.UserEvent{SteamID: u.SteamID, Detail: derr.Error()},
			})
		}
		return domain.ResultDeferred, derr.Error()
	}

	var errs []error
	for _, srv := range e.cfg.Servers {
		sl := e.lists[srv.ID]
		if bansWanted[srv.ID] {
			if _, err := sl.Bans.Add(ctx, u.SteamID); err != nil {
				errs = append(errs, err)
			}
		} else {
			if _, err := sl.Bans.Remove(ctx, u.SteamID); err != nil {
				errs = append(errs, err)
			}
		}
		if wlWanted[srv.ID] {
			if _, err := sl.Whitelist.Add(ctx, u.SteamID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		log.Printf("User %s: list sync: %v", u.SteamID, err)
		if e.markDirty(u.SteamID) {
			e.audit.Notify(domain.Event{
				Type:      domain.EventListSyncFailed,
				Timestamp: time.Now().UTC(),
				Data:      domain.UserEvent{SteamID: u.SteamID, Detail: err.Error()},
			})
		}
		return domain.ResultPartial, err.Error()
	}

	e.clearDirty(u.SteamID)
	return domain.ResultOK, ""
}

// initialSync reconciles every list file against the loaded registry in one
// pass per file. Files drift while the coordinator is down; this restores
// the invariant before any new observation is processed. Users whose policy
// target cannot be resolved are left untouched and parked dirty.
func (e *Engine) initialSync(ctx context.Context) {
	type wanted struct {
		bans map[string]bool
		wl   map[string]bool
	}
	byServer := make(map[string]*wanted, len(e.cfg.Servers))
	for _, srv := range e.cfg.Servers {
		byServer[srv.ID] = &wanted{bans: make(map[string]bool), wl: make(map[string]bool)}
	}

	e.mu.Lock()
	owned := make([]string, 0, len(e.users))
	deferred := 0
	for id, u := range e.users {
		bans, wl, err := e.desiredLists(u)
		if err != nil {
			e.dirty[id] = true
			deferred++
			continue
		}
		owned = append(owned, id)
		for sid := range bans {
			byServer[sid].bans[id] = true
		}
		for sid := range wl {
			byServer[sid].wl[id] = true
		}
	}
	e.mu.Unlock()
	sort.Strings(owned)

	failed := false
	for _, srv := range e.cfg.Servers {
		sl := e.lists[srv.ID]
		w := byServer[srv.ID]

		if added, removed, err := sl.Bans.Reconcile(ctx, owned, w.bans); err != nil {
			log.Printf("Server %s: startup ban sync: %v", srv.ID, err)
			failed = true
		} else if added+removed > 0 {
			log.Printf("Server %s: ban file drift corrected (+%d -%d)", srv.ID, added, removed)
		}

		// Whitelist entries outlive their reason, so this pass only adds.
		wlOwned := make([]string, 0, len(w.wl))
		for id := range w.wl {
			wlOwned = append(wlOwned, id)
		}
		sort.Strings(wlOwned)
		if added, _, err := sl.Whitelist.Reconcile(ctx, wlOwned, w.wl); err != nil {
			log.Printf("Server %s: startup whitelist sync: %v", srv.ID, err)
			failed = true
		} else if added > 0 {
			log.Printf("Server %s: whitelist drift corrected (+%d)", srv.ID, added)
		}
	}
	if failed {
		// Fall back to per-user retries until the files are writable again.
		e.mu.Lock()
		for _, id := range owned {
			e.dirty[id] = true
		}
		e.mu.Unlock()
	}
	if deferred > 0 {
		log.Printf("Engine: %d users with unresolved policy targets, materialization deferred", deferred)
	}
}

// resyncLoop retries dirty users until their files match the registry.
func (e *Engine) resyncLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Engine.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.resyncDirty()
		}
	}
}

func (e *Engine) resyncDirty() {
	e.mu.RLock()
	ids := make([]string, 0, len(e.dirty))
	for id := range e.dirty {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		steamID := id
		e.disp.submit(steamID, func() {
			e.gate.RLock()
			defer e.gate.RUnlock()
			e.applyResync(context.Background(), steamID)
		})
	}
}

func (e *Engine) applyResync(ctx context.Context, steamID string) {
	e.mu.RLock()
	u, ok := e.users[steamID]
	var snapshot domain.User
	if ok {
		snapshot = *u
	}
	e.mu.RUnlock()
	if !ok {
		e.clearDirty(steamID)
		return
	}

	result, detail := e.commit(ctx, &snapshot)
	switch result {
	case domain.ResultOK:
		log.Printf("User %s: resynced", steamID)
	case domain.ResultDeferred:
		// Stays dirty until a target becomes resolvable.
	default:
		log.Printf("User %s: resync: %s", steamID, detail)
	}
}

// markDirty reports whether the user was newly marked.
func (e *Engine) markDirty(steamID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dirty[steamID] {
		return false
	}
	e.dirty[steamID] = true
	return true
}

func (e *Engine) clearDirty(steamID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.dirty, steamID)
}

func joinDetail(op, sync string) string {
	switch {
	case sync == "":
		return op
	case op == "":
		return sync
	default:
		return op + ": " + sync
	}
}
