package death

import "fmt"

// QuorumKind selects how the approval threshold is derived.
type QuorumKind string

const (
	QuorumMajority QuorumKind = "majority"
	QuorumFixed    QuorumKind = "fixed"
)

// QuorumPolicy is the per-deployment approval threshold configuration.
type QuorumPolicy struct {
	Kind  QuorumKind
	Value int // fixed minimum count, ignored for majority
}

func ParseQuorumPolicy(kind string, value int) (QuorumPolicy, error) {
	switch QuorumKind(kind) {
	case QuorumMajority:
		return QuorumPolicy{Kind: QuorumMajority}, nil
	case QuorumFixed:
		if value < 1 {
			return QuorumPolicy{}, fmt.Errorf("fixed quorum requires a threshold of at least 1, got %d", value)
		}
		return QuorumPolicy{Kind: QuorumFixed, Value: value}, nil
	default:
		return QuorumPolicy{}, fmt.Errorf("unknown quorum kind %q", kind)
	}
}

// Required returns the approval count needed given the number of accepted
// trustees. Majority is strictly more than half. A subject with no trustees
// can never reach quorum, callers reject declarations in that case.
func (p QuorumPolicy) Required(acceptedTrustees int) int {
	switch p.Kind {
	case QuorumFixed:
		return p.Value
	default:
		return acceptedTrustees/2 + 1
	}
}

// QuorumStatus is returned to voters so every vote response carries where the
// count stands.
type QuorumStatus struct {
	Approved int  `json:"approved"`
	Required int  `json:"required"`
	Reached  bool `json:"reached"`
}
