// SPDX-License-Identifier: BSD-3-Clause

package allocsrv

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spalloc/spallocd/pkg/controller"
	"github.com/spalloc/spallocd/pkg/file"
)

// statePath is the versioned sidecar next to the configuration file.
func (s *Server) statePath() string {
	dir := filepath.Dir(s.cfg.configPath)
	base := filepath.Base(s.cfg.configPath)
	return filepath.Join(dir, fmt.Sprintf(".%s.state.%s", base, s.cfg.version))
}

// loadState restores the previous controller state unless this is a cold
// start. Missing, empty or corrupt state files produce a cold start; a cold
// start also discards any state file on disk.
func (s *Server) loadState() {
	path := s.statePath()

	if s.cfg.coldStart {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to discard state file", "path", path, "error", err)
		}
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("state file unreadable; cold starting", "path", path, "error", err)
		}
		return
	}
	if len(data) == 0 {
		s.logger.Warn("state file empty; cold starting", "path", path)
		return
	}
	if err := s.ctrl.Restore(data, time.Now()); err != nil {
		s.logger.Warn("state file corrupt; cold starting", "path", path, "error", err)
		s.resetController()
		return
	}
	s.logger.Info("state restored", "path", path)
}

// resetController discards a controller that failed mid-restore.
func (s *Server) resetController() {
	old := s.ctrl
	opts := []controller.Option{
		controller.WithLogger(s.cfg.logger),
	}
	if s.cfg.clientFactory != nil {
		opts = append(opts, controller.WithClientFactory(s.cfg.clientFactory))
	}
	s.ctrl = controller.New(opts...)
	go old.Stop()
}

// saveState writes the controller snapshot for the next warm start. The
// write is atomic so a crash mid-write leaves the previous snapshot intact
// rather than a truncated file.
func (s *Server) saveState() {
	data, err := s.ctrl.Snapshot()
	if err != nil {
		s.logger.Error("failed to snapshot state", "error", err)
		return
	}
	path := s.statePath()
	if err := file.AtomicWriteFile(path, data, 0o600); err != nil {
		s.logger.Error("failed to write state file", "path", path, "error", err)
		return
	}
	s.logger.Info("state written", "path", path)
}
