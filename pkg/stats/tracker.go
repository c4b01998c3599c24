// Package stats implements the statistics-manager-facing half of the
// connection dispatch core: the per-connection TrackerInfo record
// (spec.md §3) and the Manager contract the core depends on (spec.md §6)
// along with a reference in-memory implementation, grounded on the
// teacher's pkg/connpool.Pool (map + mutex, dlog-logged insert/release).
package stats

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/telepresenceio/dispatchcore/pkg/proxychain"
	"github.com/telepresenceio/dispatchcore/pkg/session"
)

// RuleDescriptor optionally describes the rule that produced an outbound
// match, for display in TrackerInfo. A Router may implement
// MatchedRuleDescriber to supply one; spec.md's Router contract only
// requires the name string, so this is additive.
type RuleDescriptor struct {
	Kind    string
	Payload string
}

// MatchedRuleDescriber is an optional Router capability: routers that can
// describe the rule behind their last match implement this so the
// dispatcher can populate TrackerInfo.RuleKind/RulePayload, mirroring the
// Rust original's `Option<&Box<dyn RuleMatcher>>` parameter to
// TrackedStream::new/TrackedDatagram::new.
type MatchedRuleDescriber interface {
	MatchedRule(sess *session.Session) RuleDescriptor
}

// TrackerInfo is the per-connection record shared between the statistics
// manager (for enumeration) and the tracked wrapper (for in-path
// updates). Counters are updated with atomic fetch-add from the I/O path
// and are readable from any other goroutine.
type TrackerInfo struct {
	UUID      uuid.UUID
	Session   session.Session
	StartTime time.Time
	Rule      RuleDescriptor
	Chain     *proxychain.Chain

	uploadTotal   uint64
	downloadTotal uint64
}

// NewTrackerInfo constructs a TrackerInfo for a freshly wrapped connection.
func NewTrackerInfo(sess session.Session, rule RuleDescriptor, chain *proxychain.Chain) *TrackerInfo {
	return &TrackerInfo{
		UUID:      uuid.New(),
		Session:   sess,
		StartTime: time.Now(),
		Rule:      rule,
		Chain:     chain,
	}
}

// AddUpload bills n bytes to the upload counter with release ordering.
func (t *TrackerInfo) AddUpload(n int) {
	atomic.AddUint64(&t.uploadTotal, uint64(n))
}

// AddDownload bills n bytes to the download counter. The Rust original
// uses Relaxed ordering for datagram reads and Release for stream reads;
// Go's atomic package only offers sequentially-consistent operations, so
// both paths use the same AddUint64 here — stricter than required, never
// weaker.
func (t *TrackerInfo) AddDownload(n int) {
	atomic.AddUint64(&t.downloadTotal, uint64(n))
}

// UploadTotal returns the current upload byte count.
func (t *TrackerInfo) UploadTotal() uint64 {
	return atomic.LoadUint64(&t.uploadTotal)
}

// DownloadTotal returns the current download byte count.
func (t *TrackerInfo) DownloadTotal() uint64 {
	return atomic.LoadUint64(&t.downloadTotal)
}
