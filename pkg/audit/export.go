package audit

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/agenc-labs/agenc-core/pkg/canonicalize"
)

// EvidenceBundle is an exportable, standalone-verifiable slice of the
// trail. BundleHash covers the canonical form of the entries, so a bundle
// can be checked without access to the originating trail.
type EvidenceBundle struct {
	BundleID    string  `json:"bundleId"`
	Version     string  `json:"version"`
	GeneratedMs int64   `json:"generatedMs"`
	StartSeq    int     `json:"startSeq"`
	EndSeq      int     `json:"endSeq"`
	EntryCount  int     `json:"entryCount"`
	Entries     []Entry `json:"entries"`
	ChainHead   string  `json:"chainHead"`
	BundleHash  string  `json:"bundleHash"`
}

const bundleVersion = "1.0.0"

// ExportBundle packages every current entry into an evidence bundle.
func (t *Trail) ExportBundle() (*EvidenceBundle, error) {
	entries := t.Entries()
	if len(entries) == 0 {
		return nil, fmt.Errorf("audit: nothing to export")
	}

	b := &EvidenceBundle{
		BundleID:    uuid.New().String(),
		Version:     bundleVersion,
		GeneratedMs: t.clock().UnixMilli(),
		StartSeq:    entries[0].Seq,
		EndSeq:      entries[len(entries)-1].Seq,
		EntryCount:  len(entries),
		Entries:     entries,
		ChainHead:   entries[len(entries)-1].EntryHash,
	}
	hash, err := canonicalize.SHA256Hex(b.Entries)
	if err != nil {
		return nil, fmt.Errorf("audit: hash bundle: %w", err)
	}
	b.BundleHash = hash
	t.metrics.Counter("agenc.audit.exports", 1, nil)
	return b, nil
}

// VerifyBundle checks a bundle's hash and the chain it carries, without
// needing the originating trail.
func VerifyBundle(b *EvidenceBundle) error {
	if b == nil || len(b.Entries) == 0 {
		return fmt.Errorf("audit: bundle is empty")
	}
	hash, err := canonicalize.SHA256Hex(b.Entries)
	if err != nil {
		return fmt.Errorf("audit: hash bundle: %w", err)
	}
	if hash != b.BundleHash {
		return fmt.Errorf("audit: bundle hash mismatch")
	}
	if head := b.Entries[len(b.Entries)-1].EntryHash; head != b.ChainHead {
		return fmt.Errorf("audit: chain head mismatch")
	}
	if res := verifyEntries(b.Entries); !res.Valid {
		return fmt.Errorf("audit: bundle chain invalid: %s", res.Errors[0])
	}
	return nil
}
