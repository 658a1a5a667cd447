package quicrtc

import "github.com/behrlich/go-quicrtc/internal/constants"

// Re-export the wire-level constants applications need to reference without
// importing the internal package directly.
const (
	MaxDatagramSize           = constants.MaxDatagramSize
	MaxCIDLen                 = constants.MaxCIDLen
	MainStreamID              = constants.MainStreamID
	BackgroundStreamID        = constants.BackgroundStreamID
	MainStreamPriority        = constants.MainStreamPriority
	BackgroundStreamPriority  = constants.BackgroundStreamPriority
	StreamFinishedErrorCode   = constants.StreamFinishedErrorCode
	CallbackRejectedErrorCode = constants.CallbackRejectedErrorCode
)

var (
	KeepAliveThreshold = constants.KeepAliveThreshold
	DefaultIdleTimeout = constants.DefaultIdleTimeout
)
