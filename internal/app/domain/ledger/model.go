package ledger

import "time"

// Block is one immutable, hash-linked record in an organization's audit
// chain. DataHash covers the serialized event payload plus the previous
// block's DataHash, so retroactive edits are detectable.
type Block struct {
	ID             string
	OrganizationID string
	BlockNumber    int64
	EventType      string
	EventData      map[string]any
	DataHash       string
	PreviousHash   string
	CreatedAt      time.Time
}

// VerifyResult reports the outcome of a full-chain integrity pass.
type VerifyResult struct {
	Valid       bool
	BlockCount  int
	BadBlock    int64
	FailureKind string
}

// Failure kinds reported by VerifyResult when Valid is false.
const (
	FailureDigest  = "digest_mismatch"
	FailureLinkage = "linkage_mismatch"
)
