// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/matterbridge/matterbridged/frontend"
	"github.com/matterbridge/matterbridged/storage"
)

// defaultLogLevel applies when neither a flag nor a persisted level is
// present.
const defaultLogLevel = hclog.Info

// routeScope selects which logger tree a router forwards.
type routeScope int

const (
	// routeAll forwards everything, applying the per-tree thresholds.
	routeAll routeScope = iota

	// routeSupervisor forwards everything outside the matter tree.
	routeSupervisor

	// routeMatter forwards only the matter tree.
	routeMatter
)

// logRouter is a SinkAdapter that splits the log stream into the
// supervisor's own records and the matter runtime's records, each gated
// by its own level. The root logger lets everything through; routers in
// front of the real sinks decide what an output sees, which is how two
// independently adjustable levels coexist on one logger tree.
type logRouter struct {
	scope      routeScope
	matterTree string
	sink       hclog.SinkAdapter

	mu          sync.Mutex
	supervisor  hclog.Level
	matterLevel hclog.Level
}

var _ hclog.SinkAdapter = (*logRouter)(nil)

func newLogRouter(sink hclog.SinkAdapter, scope routeScope, matterTree string) *logRouter {
	return &logRouter{
		scope:       scope,
		matterTree:  matterTree,
		sink:        sink,
		supervisor:  defaultLogLevel,
		matterLevel: defaultLogLevel,
	}
}

func (r *logRouter) setLevels(supervisor, matter hclog.Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supervisor = supervisor
	r.matterLevel = matter
}

// Accept implements hclog.SinkAdapter.
func (r *logRouter) Accept(name string, level hclog.Level, msg string, args ...interface{}) {
	inMatter := r.inMatterTree(name)
	switch r.scope {
	case routeSupervisor:
		if inMatter {
			return
		}
	case routeMatter:
		if !inMatter {
			return
		}
	}

	r.mu.Lock()
	threshold := r.supervisor
	if inMatter {
		threshold = r.matterLevel
	}
	r.mu.Unlock()

	if level < threshold {
		return
	}
	r.sink.Accept(name, level, msg, args...)
}

func (r *logRouter) inMatterTree(name string) bool {
	return name == r.matterTree || strings.HasPrefix(name, r.matterTree+".")
}

// fileSink is one log file with its router, so levels stay adjustable
// after the file is open.
type fileSink struct {
	file   *os.File
	router *logRouter
}

// matterTreeName is the logger subtree the matter runtime logs under.
func matterTreeName(root hclog.Logger) string {
	if name := root.Name(); name != "" {
		return name + ".matter"
	}
	return "matter"
}

// parseLevel validates an operator-supplied level name.
func parseLevel(v string) (hclog.Level, error) {
	l := hclog.LevelFromString(v)
	if l == hclog.NoLevel {
		return hclog.NoLevel, fmt.Errorf("supervisor: unknown log level %q", v)
	}
	return l, nil
}

// resolveLevel resolves one log level setting. A bad flag is an error; a
// bad persisted value is cleared and replaced by the default.
func (s *Supervisor) resolveLevel(key, explicit string) (hclog.Level, error) {
	if explicit != "" {
		l, err := parseLevel(explicit)
		if err != nil {
			return hclog.NoLevel, err
		}
		if err := persistSetting(s, key, explicit); err != nil {
			return hclog.NoLevel, err
		}
		return l, nil
	}
	return s.persistedLevel(key), nil
}

// persistedLevel reads a stored level, falling back to the default and
// clearing the key when the stored value does not parse.
func (s *Supervisor) persistedLevel(key string) hclog.Level {
	v, err := storage.GetDefault(s.settings, key, "")
	if err != nil {
		s.logger.Warn("failed to read log level", "key", key, "error", err)
		return defaultLogLevel
	}
	if v == "" {
		return defaultLogLevel
	}
	l, err := parseLevel(v)
	if err != nil {
		s.logger.Warn("clearing unparsable persisted log level", "key", key, "value", v)
		if rerr := s.settings.Remove(key); rerr != nil {
			s.logger.Warn("failed to clear log level", "key", key, "error", rerr)
		}
		return defaultLogLevel
	}
	return l
}

// applyLogSettings resolves the two log levels and the file logging
// switches, opens the log files, and registers the frontend sink. Runs
// once the store is open; earlier records use the defaults.
func (s *Supervisor) applyLogSettings() error {
	level, err := s.resolveLevel(keyLogLevel, s.cfg.LogLevel)
	if err != nil {
		return err
	}
	matterLevel, err := s.resolveLevel(keyMatterLogLevel, s.cfg.MatterLogLevel)
	if err != nil {
		return err
	}

	fileLog, err := s.boolSetting(keyFileLog, s.cfg.FileLog, false)
	if err != nil {
		return err
	}
	matterFileLog, err := s.boolSetting(keyMatterFileLog, s.cfg.MatterFileLog, false)
	if err != nil {
		return err
	}

	if fileLog {
		if err := s.addFileSink(s.dirs.LogFile, routeSupervisor); err != nil {
			return err
		}
	}
	if matterFileLog {
		if err := s.addFileSink(s.dirs.MatterLogFile, routeMatter); err != nil {
			return err
		}
	}

	s.setLevels(level, matterLevel)

	s.sinkMu.Lock()
	s.frontSink = frontend.NewLogSink(s.front, level)
	s.logger.RegisterSink(s.frontSink)
	s.sinkMu.Unlock()

	return nil
}

// setLevels pushes the two levels into every router.
func (s *Supervisor) setLevels(level, matterLevel hclog.Level) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	s.level = level
	s.matterLevel = matterLevel
	if s.console != nil {
		s.console.setLevels(level, matterLevel)
	}
	for _, fs := range s.fileSinks {
		fs.router.setLevels(level, matterLevel)
	}
}

// logLevels returns the effective levels.
func (s *Supervisor) logLevels() (hclog.Level, hclog.Level) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	return s.level, s.matterLevel
}

// reloadLogLevels re-reads the persisted levels and applies them to every
// sink. This is the SIGHUP handler, so a frontend that adjusted the
// stored levels can take effect without a restart.
func (s *Supervisor) reloadLogLevels() {
	level := s.persistedLevel(keyLogLevel)
	matterLevel := s.persistedLevel(keyMatterLogLevel)
	s.setLevels(level, matterLevel)

	// the frontend sink carries a fixed level, swap it out
	s.sinkMu.Lock()
	if s.frontSink != nil {
		s.logger.DeregisterSink(s.frontSink)
		s.frontSink = frontend.NewLogSink(s.front, level)
		s.logger.RegisterSink(s.frontSink)
	}
	s.sinkMu.Unlock()

	s.logger.Info("log levels reloaded", "level", level, "matter_level", matterLevel)
}

// addFileSink opens path for appending and registers a router in front of
// it.
func (s *Supervisor) addFileSink(path string, scope routeScope) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("supervisor: opening log file %s: %w", path, err)
	}

	adapter := hclog.NewSinkAdapter(&hclog.LoggerOptions{
		Output: f,
		Level:  hclog.Trace,
	})
	router := newLogRouter(adapter, scope, s.matterTree)

	s.sinkMu.Lock()
	s.fileSinks = append(s.fileSinks, &fileSink{file: f, router: router})
	s.sinkMu.Unlock()

	s.logger.RegisterSink(router)
	s.logger.Info("file logging enabled", "path", path)
	return nil
}

// closeLogSinks deregisters every sink the supervisor registered and
// closes the log files. Records logged after this only reach the console.
func (s *Supervisor) closeLogSinks() {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	if s.frontSink != nil {
		s.logger.DeregisterSink(s.frontSink)
		s.frontSink = nil
	}
	for _, fs := range s.fileSinks {
		s.logger.DeregisterSink(fs.router)
		if err := fs.file.Close(); err != nil {
			s.logger.Warn("failed to close log file", "path", fs.file.Name(), "error", err)
		}
	}
	s.fileSinks = nil
}
