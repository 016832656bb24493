package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MycelicMemory/mycelicmemory/internal/crypto"
	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/embedder"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

var log = logging.GetLogger("sync")

const (
	// fetchBatchSize is how many unsynced rows one push iteration fetches.
	fetchBatchSize = 200

	// maxPayloadBytes is the soft cap on one push request's JSON payload,
	// leaving headroom below the relay's 1MB limit.
	maxPayloadBytes = 800 * 1024

	// maxRecordBytes is the hard cap on a single encrypted record. Larger
	// records are skipped and immediately marked synced to prevent livelock.
	maxRecordBytes = 500 * 1024
)

// ErrEncryptionNotConfigured means the sync PIN has never been set up on
// this device. Sync refuses rather than ever transmitting plaintext.
var ErrEncryptionNotConfigured = errors.New(
	"encryption not configured. Run `mycelicmemory login` to set up your sync PIN")

// ErrPINExpired means the cached key aged out of its TTL window.
var ErrPINExpired = errors.New(
	"sync PIN expired. Run `mycelicmemory login` to re-enter your PIN")

// ErrNotLoggedIn means the device has no cloud credentials.
var ErrNotLoggedIn = errors.New(
	"not logged in. Run `mycelicmemory login` first")

// Result reports one sync cycle's work.
type Result struct {
	Pushed int `json:"pushed"`
	Pulled int `json:"pulled"`
	Purged int `json:"purged"`
}

// Engine drives the push/pull/purge cycle against the cloud relay. A mutex
// serializes cycles so the periodic timer and manual triggers never overlap.
type Engine struct {
	db     *database.Database
	cfg    *config.Config
	client *Client
	emb    *embedder.Embedder

	mu sync.Mutex
}

// NewEngine creates a sync engine bound to the device's configured relay.
func NewEngine(db *database.Database, cfg *config.Config, emb *embedder.Embedder) *Engine {
	return &Engine{
		db:     db,
		cfg:    cfg,
		client: NewClient(cfg.Sync.CloudURL, cfg.Sync.APIKey),
		emb:    emb,
	}
}

// key returns the cached symmetric key, or the specific refusal error.
// Sync is mandatory encrypted: no key, no sync.
func (e *Engine) key() ([]byte, error) {
	if !e.cfg.IsEncrypted() {
		return nil, ErrEncryptionNotConfigured
	}
	key := e.cfg.CachedKey()
	if key == nil {
		return nil, ErrPINExpired
	}
	return key, nil
}

// Run executes one full sync cycle: push loop, one pull, then a tombstone
// GC sweep. Transient failures leave local state untouched.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.cfg.IsLoggedIn() {
		return nil, ErrNotLoggedIn
	}
	key, err := e.key()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	result := &Result{}

	result.Pushed, err = e.push(ctx, key)
	if err != nil {
		return result, fmt.Errorf("push failed: %w", err)
	}

	result.Pulled, err = e.pull(ctx, key)
	if err != nil {
		return result, fmt.Errorf("pull failed: %w", err)
	}

	result.Purged, err = e.db.PurgeTombstones()
	if err != nil {
		log.Warn("tombstone purge failed", "error", err)
		err = nil
	}

	log.Info("sync cycle complete", "pushed", result.Pushed, "pulled", result.Pulled, "purged", result.Purged)
	return result, nil
}

// PushOne encrypts and uploads a single memory immediately. Used as the
// fire-and-forget post-write hook; failures are silent — the periodic sync
// retries.
func (e *Engine) PushOne(ctx context.Context, memoryID string) bool {
	if !e.cfg.IsLoggedIn() {
		return false
	}
	key, err := e.key()
	if err != nil {
		log.Debug("push-one skipped", "reason", err)
		return false
	}

	m, err := e.db.GetMemory(memoryID)
	if err != nil || m == nil {
		return false
	}

	wire, err := e.seal(m, key)
	if err != nil {
		log.Warn("push-one encryption failed", "id", memoryID, "error", err)
		return false
	}

	resp, err := e.client.Push(ctx, &PushRequest{
		DeviceID:  e.cfg.Sync.DeviceID,
		Memories:  []WireMemory{*wire},
		Encrypted: true,
	})
	if err != nil {
		log.Debug("push-one failed", "id", memoryID, "error", err)
		return false
	}
	if resp.Synced > 0 {
		if err := e.db.StampSynced([]string{memoryID}, time.Now()); err != nil {
			log.Warn("failed to stamp synced_at after push-one", "id", memoryID, "error", err)
		}
	}
	return resp.Synced > 0
}

// seal converts a local memory into its encrypted wire form.
func (e *Engine) seal(m *database.Memory, key []byte) (*WireMemory, error) {
	encContent, err := crypto.Seal([]byte(m.Content), key)
	if err != nil {
		return nil, err
	}

	tagsJSON, err := json.Marshal(m.Tags)
	if err != nil {
		return nil, err
	}
	encTags, err := crypto.Seal(tagsJSON, key)
	if err != nil {
		return nil, err
	}

	return &WireMemory{
		ID:          m.ID,
		Content:     encContent,
		MemoryType:  m.Type,
		Tags:        []string{encTags},
		Subject:     m.Subject,
		Source:      m.Source,
		ExpiresAt:   formatWireTimePtr(m.ExpiresAt),
		Deleted:     m.Deleted,
		CreatedAt:   formatWireTime(m.CreatedAt),
		UpdatedAt:   formatWireTime(m.UpdatedAt),
		ContentHash: crypto.ContentHash([]byte(m.Content)),
	}, nil
}

func estimateSize(w *WireMemory) int {
	b, err := json.Marshal(w)
	if err != nil {
		return 1024
	}
	return len(b)
}

// push uploads unsynced rows in size-aware batches until none remain or the
// relay reports the quota is reached.
func (e *Engine) push(ctx context.Context, key []byte) (int, error) {
	totalSynced := 0

	for {
		unsynced, err := e.db.UnsyncedMemories(fetchBatchSize)
		if err != nil {
			return totalSynced, err
		}
		if len(unsynced) == 0 {
			return totalSynced, nil
		}

		var batch []WireMemory
		var batchIDs []string
		batchSize := 100 // base JSON overhead

		for _, m := range unsynced {
			wire, sealErr := e.seal(m, key)
			if sealErr != nil {
				return totalSynced, fmt.Errorf("encryption failed for %s: %w", m.ID, sealErr)
			}

			size := estimateSize(wire)
			if size > maxRecordBytes {
				log.Warn("skipping oversized memory", "id", m.ID, "bytes", size)
				if err := e.db.StampSynced([]string{m.ID}, time.Now()); err != nil {
					return totalSynced, err
				}
				continue
			}

			if len(batch) > 0 && batchSize+size > maxPayloadBytes {
				break
			}
			batchSize += size
			batch = append(batch, *wire)
			batchIDs = append(batchIDs, m.ID)
		}

		if len(batch) == 0 {
			// Everything fetched was oversized and marked; if the fetch was
			// short there is nothing left behind it.
			if len(unsynced) < fetchBatchSize {
				return totalSynced, nil
			}
			continue
		}

		resp, err := e.client.Push(ctx, &PushRequest{
			DeviceID:  e.cfg.Sync.DeviceID,
			Memories:  batch,
			Encrypted: true,
		})
		if err != nil {
			return totalSynced, err
		}

		if resp.Synced > 0 {
			if err := e.db.StampSynced(batchIDs, time.Now()); err != nil {
				return totalSynced, err
			}
		}
		totalSynced += resp.Synced

		if resp.OverLimit {
			log.Warn("cloud memory limit reached, stopping push")
			return totalSynced, nil
		}
		if resp.Synced == 0 {
			// Nothing landed and nothing was stamped; refetching would
			// hand back the same rows forever.
			log.Warn("cloud accepted the batch but synced nothing, stopping push", "batch", len(batch))
			return totalSynced, nil
		}
	}
}

// pull fetches remote changes and merges them under last-writer-wins with
// local tombstones dominating. Decryption failures drop the record from this
// cycle's merge; they are never reinterpreted as plaintext.
func (e *Engine) pull(ctx context.Context, key []byte) (int, error) {
	resp, err := e.client.Pull(ctx, &PullRequest{DeviceID: e.cfg.Sync.DeviceID})
	if err != nil {
		return 0, err
	}

	merged := 0
	var pulledIDs []string
	for i := range resp.Memories {
		remote := &resp.Memories[i]
		pulledIDs = append(pulledIDs, remote.ID)
		if e.mergeOne(ctx, remote, key) {
			merged++
		}
	}

	// Every pulled id is brought up to synced so echoed pushes don't re-loop.
	if len(pulledIDs) > 0 {
		if err := e.db.StampSynced(pulledIDs, time.Now()); err != nil {
			log.Warn("failed to stamp pulled ids", "error", err)
		}
	}

	return merged, nil
}

// mergeOne applies the merge rules for a single remote record. Returns true
// if the record changed local state.
func (e *Engine) mergeOne(ctx context.Context, remote *WireMemory, key []byte) bool {
	remoteUpdatedAt, err := parseWireTime(remote.UpdatedAt)
	if err != nil {
		log.Warn("dropping record with unparseable timestamp", "id", remote.ID)
		return false
	}

	local, err := e.db.GetMemory(remote.ID)
	if err != nil {
		log.Warn("merge lookup failed", "id", remote.ID, "error", err)
		return false
	}

	if remote.Deleted {
		if local == nil {
			return false
		}
		if err := e.db.ApplyRemoteTombstone(remote.ID, remoteUpdatedAt); err != nil {
			log.Warn("failed to apply remote tombstone", "id", remote.ID, "error", err)
			return false
		}
		return true
	}

	// Local tombstones win: a delete on this device never gets resurrected
	// by a live remote copy.
	if local != nil && local.Deleted {
		return false
	}
	if local != nil && !remoteUpdatedAt.After(local.UpdatedAt) {
		return false
	}

	plaintext, err := crypto.Open(remote.Content, key)
	if err != nil {
		log.Warn("dropping undecryptable record", "id", remote.ID)
		return false
	}
	content := string(plaintext)

	var tags []string
	if len(remote.Tags) > 0 {
		tagsJSON, tagErr := crypto.Open(remote.Tags[0], key)
		if tagErr != nil {
			log.Warn("dropping record with undecryptable tags", "id", remote.ID)
			return false
		}
		if err := json.Unmarshal(tagsJSON, &tags); err != nil {
			tags = nil
		}
	}

	remoteCreatedAt, err := parseWireTime(remote.CreatedAt)
	if err != nil {
		remoteCreatedAt = remoteUpdatedAt
	}
	var expiresAt *time.Time
	if remote.ExpiresAt != "" {
		if t, expErr := parseWireTime(remote.ExpiresAt); expErr == nil {
			expiresAt = &t
		}
	}

	m := &database.Memory{
		ID:        remote.ID,
		Content:   content,
		Type:      remote.MemoryType,
		Tags:      tags,
		Subject:   remote.Subject,
		Source:    remote.Source,
		ExpiresAt: expiresAt,
		CreatedAt: remoteCreatedAt,
		UpdatedAt: remoteUpdatedAt,
	}

	// Re-embed only when the content actually changed.
	if local == nil || local.Content != content {
		if vec, embErr := e.emb.Embed(ctx, content); embErr == nil {
			m.Embedding = vec
		}
	} else {
		m.Embedding = local.Embedding
	}

	if err := e.db.UpsertFromRemote(m); err != nil {
		log.Warn("failed to merge remote memory", "id", remote.ID, "error", err)
		return false
	}
	return true
}

// StartAutoSync launches the periodic sync loop. Ticks that arrive while a
// cycle is still running are skipped, making sync at-most-once per tick.
// Returns immediately; the loop stops when ctx is cancelled.
func (e *Engine) StartAutoSync(ctx context.Context) {
	if !e.cfg.Sync.AutoSync {
		return
	}
	interval := time.Duration(e.cfg.Sync.IntervalSecs) * time.Second

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.Run(ctx); err != nil {
					if errors.Is(err, ErrNotLoggedIn) ||
						errors.Is(err, ErrEncryptionNotConfigured) ||
						errors.Is(err, ErrPINExpired) {
						log.Debug("auto-sync skipped", "reason", err)
					} else {
						log.Warn("auto-sync cycle failed", "error", err)
					}
				}
			}
		}
	}()
}
