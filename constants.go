package shmex

import "github.com/ehrlich-b/go-shmex/internal/constants"

// Re-export constants for public API
const (
	SegmentNamePrefix  = constants.SegmentNamePrefix
	ShmDir             = constants.ShmDir
	RetainSegmentsEnv  = constants.RetainSegmentsEnv
	DefaultSendTimeout = constants.DefaultSendTimeout
)
