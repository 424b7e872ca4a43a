package driver

import "github.com/buildcache/corecache/internal/config"

// AccuracyMode re-exports config.AccuracyMode so callers that only deal
// with the driver don't need a second import.
type AccuracyMode = config.AccuracyMode

const (
	AccuracyDefault = config.AccuracyDefault
	AccuracyStrict  = config.AccuracyStrict
)

// Config carries every environment/config input the driver consumes
// (spec §6). It is the subset of config.Config the driver's state
// machine needs; cmd/corecache constructs one from the loaded
// config.Config.
type Config struct {
	MaxLocalBytes   int64
	HardLinks       bool
	CompressOnStore bool
	RemoteEndpoint  string
	TerminateOnMiss bool
	AccuracyMode    AccuracyMode
}
