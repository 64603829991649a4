package veos

import "github.com/veos-project/veos-core/internal/constants"

// Re-exported tunables for the public API.
const (
	NDesc                   = constants.NDesc
	WordSize                = constants.WordSize
	MaxTransferLen          = constants.MaxTransferLen
	SIGRTMIN                = constants.SIGRTMIN
	SIGRTMAX                = constants.SIGRTMAX
	NumSignals              = constants.NumSignals
	DefaultRLimitSigpending = constants.DefaultRLimitSigpending
	VEMinSigStackSize       = constants.VEMinSigStackSize
)
