package config

import (
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Snapshot is a versioned, immutable view of the config document. Each
// tick reads the current snapshot once at tick start, so a reload that
// lands mid-tick cannot split a single decision across two config
// states (spec.md §9, "Global config with hot-reload").
type Snapshot struct {
	Version int
	Doc     *Document
	LoadedAt time.Time
}

// Store holds the atomically-swapped active Snapshot and polls the
// source file for changes on a cron schedule, matching the teacher's
// pattern of a single owning task exposing read snapshots (spec.md §9,
// "Cross-task shared state").
type Store struct {
	path    string
	current atomic.Pointer[Snapshot]
	cron    *cron.Cron
	log     zerolog.Logger
}

// NewStore loads the initial snapshot and returns a Store ready to
// start polling. A load failure here is a fatal config error (exit
// code 2); callers must not start the Store until the initial load
// succeeds.
func NewStore(path string, log zerolog.Logger) (*Store, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, log: log}
	s.current.Store(&Snapshot{Version: 1, Doc: doc, LoadedAt: time.Now()})
	return s, nil
}

// Current returns the active snapshot. Safe for concurrent readers.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// StartReloading polls the config file every 30s on a cron schedule and
// swaps the active snapshot when the document changes and no
// restart-only field was touched. Restart-only changes are logged and
// ignored until the process is restarted.
func (s *Store) StartReloading() {
	s.cron = cron.New()
	_, _ = s.cron.AddFunc("@every 30s", s.reloadOnce)
	s.cron.Start()
}

// Stop halts the reload cron; in-flight reloads finish.
func (s *Store) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

func (s *Store) reloadOnce() {
	doc, err := Load(s.path)
	if err != nil {
		s.log.Warn().Err(err).Msg("config reload failed, keeping previous snapshot")
		return
	}
	prev := s.current.Load()
	if RestartRequired(prev.Doc, doc) {
		s.log.Warn().Msg("config change touches a restart-only field, ignoring until restart")
		return
	}
	next := &Snapshot{Version: prev.Version + 1, Doc: doc, LoadedAt: time.Now()}
	s.current.Store(next)
	s.log.Info().Int("version", next.Version).Msg("config snapshot reloaded")
}
