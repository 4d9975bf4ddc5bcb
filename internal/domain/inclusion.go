package domain

import (
	"bytes"
	"fmt"
)

// InclusionState marks whether a sale has been claimed by a Z-report.
type InclusionState uint8

const (
	InclusionPending InclusionState = iota
	InclusionIncluded
)

func (s InclusionState) Included() bool {
	return s == InclusionIncluded
}

func (s InclusionState) String() string {
	if s == InclusionIncluded {
		return "included"
	}
	return "pending"
}

// MarshalJSON keeps the stored boolean shape of the flag.
func (s InclusionState) MarshalJSON() ([]byte, error) {
	if s == InclusionIncluded {
		return []byte("true"), nil
	}
	return []byte("false"), nil
}

// UnmarshalJSON only treats a literal true as included. false, null, strings,
// numbers and anything else decode as pending.
func (s *InclusionState) UnmarshalJSON(data []byte) error {
	if s == nil {
		return fmt.Errorf("inclusion state: unmarshal into nil pointer")
	}
	*s = InclusionFromLegacy(bytes.Equal(bytes.TrimSpace(data), []byte("true")))
	return nil
}

func InclusionFromLegacy(flag bool) InclusionState {
	if flag {
		return InclusionIncluded
	}
	return InclusionPending
}
