package crawl

import (
	"time"

	"github.com/shotleybuilder/sertantai-enforcement-sub010/internal/tracker"
	"github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/config"
)

// StopMode selects how "consecutive existing" is counted.
type StopMode string

const (
	// StopByPage stops after ConsecutiveExistingPages saturated pages in a
	// row. A page is saturated when it created nothing and either holds an
	// unbroken run of Threshold existing records or consists only of
	// existing records.
	StopByPage StopMode = "page"
	// StopByRecord stops once Threshold existing records have been seen in
	// a row, counted across page boundaries.
	StopByRecord StopMode = "record"
)

// Settings are the loop limits for one run.
type Settings struct {
	StartPage                int
	MaxPages                 int
	PageDelay                time.Duration
	ExistingThreshold        int
	ConsecutiveExistingPages int
	StopMode                 StopMode
	MaxConsecutiveErrors     int
	BatchSize                int
	Workers                  int
	OperationTimeout         time.Duration
}

// SettingsFrom starts from the process configuration and applies the
// session's non-zero options over it.
func SettingsFrom(cfg config.CrawlConfig, opts tracker.Options) Settings {
	s := Settings{
		StartPage:                cfg.StartPage,
		MaxPages:                 cfg.MaxPages,
		PageDelay:                cfg.PageDelay,
		ExistingThreshold:        cfg.ConsecutiveExistingThreshold,
		ConsecutiveExistingPages: cfg.ConsecutiveExistingPages,
		StopMode:                 StopMode(cfg.StopMode),
		MaxConsecutiveErrors:     cfg.MaxConsecutiveErrors,
		BatchSize:                cfg.BatchSize,
		Workers:                  cfg.Workers,
		OperationTimeout:         cfg.OperationTimeout,
	}
	if opts.StartPage > 0 {
		s.StartPage = opts.StartPage
	}
	if opts.MaxPages > 0 {
		s.MaxPages = opts.MaxPages
	}
	if opts.PageDelay > 0 {
		s.PageDelay = opts.PageDelay
	}
	if opts.ConsecutiveExistingThreshold > 0 {
		s.ExistingThreshold = opts.ConsecutiveExistingThreshold
	}
	if opts.ConsecutiveExistingPages > 0 {
		s.ConsecutiveExistingPages = opts.ConsecutiveExistingPages
	}
	if opts.StopMode != "" {
		s.StopMode = StopMode(opts.StopMode)
	}
	if opts.MaxConsecutiveErrors > 0 {
		s.MaxConsecutiveErrors = opts.MaxConsecutiveErrors
	}
	if opts.BatchSize > 0 {
		s.BatchSize = opts.BatchSize
	}
	return s.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.StartPage < 1 {
		s.StartPage = 1
	}
	if s.ExistingThreshold < 1 {
		s.ExistingThreshold = 10
	}
	if s.ConsecutiveExistingPages < 1 {
		s.ConsecutiveExistingPages = 1
	}
	if s.StopMode != StopByRecord {
		s.StopMode = StopByPage
	}
	if s.MaxConsecutiveErrors < 1 {
		s.MaxConsecutiveErrors = 3
	}
	if s.Workers < 1 {
		s.Workers = 1
	}
	return s
}

// Options renders s back into the typed session options, so a session
// records the limits it was started with.
func (s Settings) Options() tracker.Options {
	return tracker.Options{
		StartPage:                    s.StartPage,
		MaxPages:                     s.MaxPages,
		PageDelay:                    s.PageDelay,
		ConsecutiveExistingThreshold: s.ExistingThreshold,
		ConsecutiveExistingPages:     s.ConsecutiveExistingPages,
		StopMode:                     string(s.StopMode),
		MaxConsecutiveErrors:         s.MaxConsecutiveErrors,
		BatchSize:                    s.BatchSize,
	}
}
