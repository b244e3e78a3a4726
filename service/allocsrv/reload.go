// SPDX-License-Identifier: BSD-3-Clause

package allocsrv

import (
	"net"
	"strconv"
	"time"

	"github.com/spalloc/spallocd/pkg/config"
)

// readConfigFile re-reads the configuration file. When the file cannot be
// read or fails validation, the previous configuration stays in force and
// false is returned. When the new configuration is valid but its listening
// socket cannot be opened, false is also returned; by then the new machines
// and parameters are applied and the old listener is closed. A running
// server never dies to a bad reload.
func (s *Server) readConfigFile() bool {
	cfg, err := config.Load(s.cfg.configPath)
	if err != nil {
		s.logger.Warn("configuration re-read failed; keeping previous configuration",
			"path", s.cfg.configPath, "error", err)
		return false
	}
	if err := s.applyConfiguration(cfg); err != nil {
		s.logger.Error("failed to move listening socket", "error", err)
		return false
	}
	s.logger.Info("configuration applied", "machines", len(cfg.Machines))
	return true
}

// applyConfiguration hands the machine list and parameters to the
// controller and, if and only if the (ip, port) identity changed, moves the
// listening socket. Existing client connections are never disturbed.
func (s *Server) applyConfiguration(cfg *config.Configuration) error {
	s.ctrl.SetMaxRetiredJobs(cfg.MaxRetiredJobs)
	s.ctrl.SetMachines(cfg.Machines)

	if s.configuration == nil ||
		s.configuration.TimeoutCheckInterval != cfg.TimeoutCheckInterval {
		s.ticker.Reset(time.Duration(cfg.TimeoutCheckInterval * float64(time.Second)))
	}

	identity := net.JoinHostPort(cfg.IP, strconv.Itoa(cfg.Port))
	s.configuration = cfg

	if s.listener != nil && identity == s.listenIdentity {
		return nil
	}
	return s.reopenListener(identity)
}

func (s *Server) reopenListener(identity string) error {
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	ln, err := net.Listen("tcp", identity)
	if err != nil {
		return err
	}
	s.listener = ln
	s.listenIdentity = identity
	go s.acceptLoop(ln)
	return nil
}
