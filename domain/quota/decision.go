package quota

// DecisionKind names the variant of a Decision on the wire.
type DecisionKind string

const (
	KindAllow  DecisionKind = "allow"
	KindSample DecisionKind = "sample"
	KindDeny   DecisionKind = "deny"
)

// Decision is the answer to a quota check. It is one of Allow, Sample or Deny.
type Decision interface {
	Kind() DecisionKind
	decision()
}

// Allow admits the write unconditionally.
type Allow struct{}

// Sample admits one write in every Rate.
type Sample struct {
	Rate int
}

// Deny rejects the write.
type Deny struct {
	Reason DenyReason
}

func (Allow) Kind() DecisionKind  { return KindAllow }
func (Sample) Kind() DecisionKind { return KindSample }
func (Deny) Kind() DecisionKind   { return KindDeny }

func (Allow) decision()  {}
func (Sample) decision() {}
func (Deny) decision()   {}

// Admits reports whether the write with sequence number seq is kept.
// Selecting on seq keeps the effective rate exact.
func (s Sample) Admits(seq int64) bool {
	if s.Rate <= 1 {
		return true
	}
	return seq%int64(s.Rate) == 0
}

// DenyReason explains a Deny decision.
type DenyReason string

const (
	DenySuspended          DenyReason = "suspended"
	DenyHardCap            DenyReason = "hard_cap"
	DenyFeatureFrozen      DenyReason = "feature_frozen"
	DenyInvalidMetric      DenyReason = "invalid_metric"
	DenyInvalidAccount     DenyReason = "invalid_account"
	DenyStorageUnavailable DenyReason = "storage_unavailable"
)
