// SPDX-License-Identifier: BSD-3-Clause

package allocsrv

import (
	"bufio"
	"context"
	"encoding/json"
	"net"

	"github.com/google/uuid"
)

const maxLineBytes = 1 << 20

// session is one client connection. Only the reactor goroutine touches a
// session after registration; the reader goroutine merely delivers raw
// lines.
type session struct {
	id   string
	conn net.Conn
}

func (s *Server) startSession(conn net.Conn) {
	sess := &session{
		id:   uuid.NewString(),
		conn: conn,
	}
	s.sessions[sess] = struct{}{}
	s.clientsGauge.Add(context.Background(), 1)
	s.logger.Debug("client connected", "session", sess.id, "remote", remoteName(conn))

	go s.readLoop(sess)
}

// readLoop delivers newline-terminated frames to the reactor. Any read
// error, including EOF and oversized lines, ends the session.
func (s *Server) readLoop(sess *session) {
	scanner := bufio.NewScanner(sess.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		select {
		case s.lines <- inboundLine{sess: sess, line: line}:
		case <-s.stopCh:
			return
		}
	}

	select {
	case s.hangups <- sess:
	case <-s.stopCh:
	}
}

// disconnect removes a session from every table and closes its socket. It
// is idempotent and tolerates sockets whose peer is already gone.
func (s *Server) disconnect(sess *session) {
	if _, ok := s.sessions[sess]; !ok {
		return
	}
	delete(s.sessions, sess)
	delete(s.jobWatches, sess)
	delete(s.machineWatches, sess)
	_ = sess.conn.Close()
	s.clientsGauge.Add(context.Background(), -1)
	s.logger.Debug("client disconnected", "session", sess.id)
}

// writeLine sends one JSON value as a newline-terminated frame.
func (sess *session) writeLine(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = sess.conn.Write(append(payload, '\n'))
	return err
}

// remoteName names the peer for logging, tolerating sockets whose peer
// name is already unavailable.
func remoteName(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}
