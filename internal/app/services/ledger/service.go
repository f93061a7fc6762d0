// Package ledger appends security-relevant events to a per-organization
// hash-linked chain and re-verifies chain integrity on demand.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tapsentry/fleetcore/internal/app/domain/ledger"
	"github.com/tapsentry/fleetcore/internal/app/metrics"
	"github.com/tapsentry/fleetcore/internal/app/storage"
	"github.com/tapsentry/fleetcore/pkg/logger"
)

// genesisHash seeds the digest of an organization's first block, which has no
// previous block to link to.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// appendRetries bounds how often an append re-runs the read-compute-insert
// cycle after losing a block-number race to a concurrent writer.
const appendRetries = 5

// Event types recorded by this subsystem.
const (
	EventDeviceTamper = "device_tamper"
	EventDevicePaired = "device_paired"
	EventOTACompleted = "ota_completed"
	EventOTAFailed    = "ota_failed"
)

// Service is the single writer of ledger blocks. Every insert computes its
// digest synchronously; no block ever enters the store unverifiable.
type Service struct {
	store storage.LedgerStore
	log   *logger.Logger

	mu       sync.Mutex
	orgLocks map[string]*sync.Mutex
}

// New constructs a ledger service.
func New(store storage.LedgerStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{
		store:    store,
		log:      log,
		orgLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) lockFor(organizationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	mu, ok := s.orgLocks[organizationID]
	if !ok {
		mu = &sync.Mutex{}
		s.orgLocks[organizationID] = mu
	}
	return mu
}

// Append records an event as the next block of the organization's chain.
// Appends for the same organization are serialized: an in-process mutex
// covers local writers, and the store's (organization, block number)
// uniqueness covers writers in other processes, with the full cycle retried
// on conflict.
func (s *Service) Append(ctx context.Context, organizationID, eventType string, eventData map[string]any) (ledger.Block, error) {
	organizationID = strings.TrimSpace(organizationID)
	eventType = strings.TrimSpace(eventType)
	if organizationID == "" {
		return ledger.Block{}, fmt.Errorf("organization_id is required")
	}
	if eventType == "" {
		return ledger.Block{}, fmt.Errorf("event_type is required")
	}

	mu := s.lockFor(organizationID)
	mu.Lock()
	defer mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		blockNumber := int64(1)
		previousHash := ""

		latest, err := s.store.LatestBlock(ctx, organizationID)
		switch {
		case err == nil:
			blockNumber = latest.BlockNumber + 1
			previousHash = latest.DataHash
		case errors.Is(err, storage.ErrNotFound):
			// First block of the chain.
		default:
			return ledger.Block{}, err
		}

		dataHash, err := ComputeHash(eventData, previousHash)
		if err != nil {
			return ledger.Block{}, err
		}

		blk := ledger.Block{
			OrganizationID: organizationID,
			BlockNumber:    blockNumber,
			EventType:      eventType,
			EventData:      eventData,
			DataHash:       dataHash,
			PreviousHash:   previousHash,
		}

		inserted, err := s.store.InsertBlock(ctx, blk)
		if err == nil {
			metrics.RecordLedgerAppend(eventType)
			s.log.WithField("organization_id", organizationID).
				WithField("block_number", inserted.BlockNumber).
				WithField("event_type", eventType).
				Info("ledger block appended")
			return inserted, nil
		}
		if !errors.Is(err, storage.ErrBlockConflict) {
			return ledger.Block{}, err
		}

		metrics.RecordLedgerConflict()
		s.log.WithField("organization_id", organizationID).
			WithField("block_number", blockNumber).
			Warn("ledger append conflict, retrying")
		lastErr = err
	}

	return ledger.Block{}, fmt.Errorf("append for organization %s exhausted %d attempts: %w",
		organizationID, appendRetries, lastErr)
}

// VerifyIntegrity re-checks the organization's full chain: every digest is
// recomputed from stored event data and stored previous hash, and every link
// must match the prior block's digest. The pass is read-only; a broken chain
// is reported, never repaired. An empty chain verifies clean.
func (s *Service) VerifyIntegrity(ctx context.Context, organizationID string) (ledger.VerifyResult, error) {
	blocks, err := s.store.ListBlocks(ctx, organizationID)
	if err != nil {
		return ledger.VerifyResult{}, err
	}

	result := ledger.VerifyResult{Valid: true, BlockCount: len(blocks)}
	for i, blk := range blocks {
		recomputed, err := ComputeHash(blk.EventData, blk.PreviousHash)
		if err != nil {
			return ledger.VerifyResult{}, err
		}
		if recomputed != blk.DataHash {
			result.Valid = false
			result.BadBlock = blk.BlockNumber
			result.FailureKind = ledger.FailureDigest
			return result, nil
		}
		if i > 0 && blk.PreviousHash != blocks[i-1].DataHash {
			result.Valid = false
			result.BadBlock = blk.BlockNumber
			result.FailureKind = ledger.FailureLinkage
			return result, nil
		}
	}
	return result, nil
}

// ListBlocks returns the organization's chain in block-number order.
func (s *Service) ListBlocks(ctx context.Context, organizationID string) ([]ledger.Block, error) {
	return s.store.ListBlocks(ctx, organizationID)
}

// ComputeHash digests the canonical serialization of eventData concatenated
// with the previous block's digest (or the genesis sentinel for the first
// block). encoding/json sorts map keys, so the serialization is deterministic
// and any reader can reproduce the digest.
func ComputeHash(eventData map[string]any, previousHash string) (string, error) {
	serialized, err := json.Marshal(eventData)
	if err != nil {
		return "", fmt.Errorf("serialize event data: %w", err)
	}
	if previousHash == "" {
		previousHash = genesisHash
	}

	digest := sha256.Sum256(append(serialized, []byte(previousHash)...))
	return hex.EncodeToString(digest[:]), nil
}
