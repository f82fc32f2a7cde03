package types

import "fmt"

// PrimaryEpochMask masks the part of the configuration version incremented by secondary changes.
// The bits above the mask count primary changes.
const PrimaryEpochMask int64 = 0xFFFFFFFF

// PrimaryEpochIncrement is added to the configuration version whenever the primary changes.
const PrimaryEpochIncrement = PrimaryEpochMask + 1

// InvalidEpoch is the epoch of a configuration which does not exist.
var InvalidEpoch Epoch

// Epoch orders configurations of a failover unit. Data loss version dominates configuration version.
type Epoch struct {
	DataLossVersion      int64
	ConfigurationVersion int64
}

// IsValid returns true if epoch identifies a configuration.
func (e Epoch) IsValid() bool {
	return e != InvalidEpoch
}

// Compare returns -1, 0 or 1 if e is lower, equal or higher than o.
func (e Epoch) Compare(o Epoch) int {
	switch {
	case e.DataLossVersion < o.DataLossVersion:
		return -1
	case e.DataLossVersion > o.DataLossVersion:
		return 1
	case e.ConfigurationVersion < o.ConfigurationVersion:
		return -1
	case e.ConfigurationVersion > o.ConfigurationVersion:
		return 1
	default:
		return 0
	}
}

// Less returns e < o.
func (e Epoch) Less(o Epoch) bool {
	return e.Compare(o) < 0
}

// PrimaryEpoch returns the part of the configuration version counting primary changes.
func (e Epoch) PrimaryEpoch() int64 {
	return e.ConfigurationVersion &^ PrimaryEpochMask
}

// String returns the string representation of the epoch.
func (e Epoch) String() string {
	return fmt.Sprintf("%d:%x", e.DataLossVersion, e.ConfigurationVersion)
}

// MaxEpoch returns the higher of two epochs.
func MaxEpoch(a, b Epoch) Epoch {
	if a.Less(b) {
		return b
	}
	return a
}
