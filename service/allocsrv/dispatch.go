// SPDX-License-Identifier: BSD-3-Clause

package allocsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/spalloc/spallocd/pkg/controller"
	"github.com/spalloc/spallocd/pkg/coords"
)

// handlerFunc is one command implementation. The returned value is
// serialised into the return envelope; an error disconnects the client.
type handlerFunc func(s *Server, sess *session, args []any, kwargs map[string]any) (any, error)

// commandTable is the fixed command surface. The names are protocol
// contracts.
var commandTable = map[string]handlerFunc{
	"version":               handleVersion,
	"create_job":            handleCreateJob,
	"job_keepalive":         handleJobKeepalive,
	"get_job_state":         handleGetJobState,
	"get_job_machine_info":  handleGetJobMachineInfo,
	"power_on_job_boards":   handlePowerOnJobBoards,
	"power_off_job_boards":  handlePowerOffJobBoards,
	"destroy_job":           handleDestroyJob,
	"list_jobs":             handleListJobs,
	"list_machines":         handleListMachines,
	"where_is":              handleWhereIs,
	"get_board_position":    handleGetBoardPosition,
	"get_board_at_position": handleGetBoardAtPosition,
	"notify_job":            handleNotifyJob,
	"no_notify_job":         handleNoNotifyJob,
	"notify_machine":        handleNotifyMachine,
	"no_notify_machine":     handleNoNotifyMachine,
}

// handleLine decodes and dispatches one request frame. Every failure mode,
// malformed JSON, unknown command, handler error or a failed response
// write, disconnects the client.
func (s *Server) handleLine(sess *session, line []byte) {
	if _, ok := s.sessions[sess]; !ok {
		return
	}

	var req struct {
		Command string         `json:"command"`
		Args    []any          `json:"args"`
		Kwargs  map[string]any `json:"kwargs"`
	}
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.Debug("malformed request line", "session", sess.id, "error", err)
		s.disconnect(sess)
		return
	}

	handler, ok := commandTable[req.Command]
	if !ok {
		s.logger.Debug("unknown command", "session", sess.id, "command", req.Command)
		s.disconnect(sess)
		return
	}

	value, err := s.invoke(handler, sess, req.Args, req.Kwargs)
	s.commandsCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("command", req.Command),
		attribute.Bool("ok", err == nil)))
	if err != nil {
		s.logger.Debug("command failed", "session", sess.id, "command", req.Command, "error", err)
		s.disconnect(sess)
		return
	}

	if err := sess.writeLine(map[string]any{"return": value}); err != nil {
		s.disconnect(sess)
	}
}

// invoke runs a handler, converting a panic into an error so one bad
// request can only ever cost its own connection.
func (s *Server) invoke(handler handlerFunc, sess *session, args []any, kwargs map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(s, sess, args, kwargs)
}

func handleVersion(s *Server, _ *session, _ []any, _ map[string]any) (any, error) {
	return s.cfg.version, nil
}

func handleCreateJob(s *Server, _ *session, args []any, kwargs map[string]any) (any, error) {
	return s.ctrl.CreateJob(args, kwargs, time.Now())
}

func handleJobKeepalive(s *Server, _ *session, args []any, kwargs map[string]any) (any, error) {
	id, err := intAt(args, 0, kwargs, "job_id")
	if err != nil {
		return nil, err
	}
	s.ctrl.JobKeepalive(id, time.Now())
	return nil, nil
}

func handleGetJobState(s *Server, _ *session, args []any, kwargs map[string]any) (any, error) {
	id, err := intAt(args, 0, kwargs, "job_id")
	if err != nil {
		return nil, err
	}
	info := s.ctrl.GetJobState(id)
	return map[string]any{
		"state":      int(info.State),
		"power":      info.Power,
		"keepalive":  info.Keepalive,
		"reason":     info.Reason,
		"start_time": info.StartTime,
	}, nil
}

func handleGetJobMachineInfo(s *Server, _ *session, args []any, kwargs map[string]any) (any, error) {
	id, err := intAt(args, 0, kwargs, "job_id")
	if err != nil {
		return nil, err
	}
	info := s.ctrl.GetJobMachineInfo(id)

	out := map[string]any{
		"width":        info.Width,
		"height":       info.Height,
		"connections":  nil,
		"machine_name": info.MachineName,
		"boards":       nil,
	}
	if info.Connections != nil {
		conns := make([]any, 0, len(info.Connections))
		for _, c := range info.Connections {
			conns = append(conns, []any{[]int{c.Chip.X, c.Chip.Y}, c.Host})
		}
		out["connections"] = conns
	}
	if info.Boards != nil {
		out["boards"] = boardsToWire(info.Boards)
	}
	return out, nil
}

func handlePowerOnJobBoards(s *Server, _ *session, args []any, kwargs map[string]any) (any, error) {
	id, err := intAt(args, 0, kwargs, "job_id")
	if err != nil {
		return nil, err
	}
	s.ctrl.PowerOnJobBoards(id)
	return nil, nil
}

func handlePowerOffJobBoards(s *Server, _ *session, args []any, kwargs map[string]any) (any, error) {
	id, err := intAt(args, 0, kwargs, "job_id")
	if err != nil {
		return nil, err
	}
	s.ctrl.PowerOffJobBoards(id)
	return nil, nil
}

func handleDestroyJob(s *Server, _ *session, args []any, kwargs map[string]any) (any, error) {
	id, err := intAt(args, 0, kwargs, "job_id")
	if err != nil {
		return nil, err
	}
	reason, err := optStringAt(args, 1, kwargs, "reason")
	if err != nil {
		return nil, err
	}
	s.ctrl.DestroyJob(id, reason, time.Now())
	return nil, nil
}

func handleListJobs(s *Server, _ *session, _ []any, _ map[string]any) (any, error) {
	jobs := s.ctrl.ListJobs()
	out := make([]any, 0, len(jobs))
	for _, j := range jobs {
		entry := map[string]any{
			"job_id":                 j.JobID,
			"owner":                  j.Owner,
			"start_time":             j.StartTime,
			"keepalive":              j.Keepalive,
			"state":                  int(j.State),
			"power":                  j.Power,
			"args":                   emptyIfNilSlice(j.Args),
			"kwargs":                 emptyIfNilMap(j.Kwargs),
			"allocated_machine_name": j.AllocatedMachineName,
			"boards":                 nil,
		}
		if j.Boards != nil {
			entry["boards"] = boardsToWire(j.Boards)
		}
		out = append(out, entry)
	}
	return out, nil
}

func handleListMachines(s *Server, _ *session, _ []any, _ map[string]any) (any, error) {
	machines := s.ctrl.ListMachines()
	out := make([]any, 0, len(machines))
	for _, m := range machines {
		deadLinks := make([]any, 0, len(m.DeadLinks))
		for _, l := range m.DeadLinks {
			deadLinks = append(deadLinks, []int{l.X, l.Y, l.Z, int(l.Link)})
		}
		out = append(out, map[string]any{
			"name":        m.Name,
			"tags":        m.Tags,
			"width":       m.Width,
			"height":      m.Height,
			"dead_boards": boardsToWire(m.DeadBoards),
			"dead_links":  deadLinks,
		})
	}
	return out, nil
}

func handleWhereIs(s *Server, _ *session, _ []any, kwargs map[string]any) (any, error) {
	var q controller.WhereIsQuery
	var err error
	if q.Machine, err = optStringKwarg(kwargs, "machine"); err != nil {
		return nil, err
	}
	for _, field := range []struct {
		key string
		dst **int
	}{
		{"x", &q.X}, {"y", &q.Y}, {"z", &q.Z},
		{"cabinet", &q.Cabinet}, {"frame", &q.Frame}, {"board", &q.Board},
		{"chip_x", &q.ChipX}, {"chip_y", &q.ChipY},
		{"job_id", &q.JobID},
	} {
		if *field.dst, err = optIntKwarg(kwargs, field.key); err != nil {
			return nil, err
		}
	}

	result := s.ctrl.WhereIs(q)
	if result == nil {
		return nil, nil
	}

	out := map[string]any{
		"machine":    result.Machine,
		"logical":    []int{result.Logical.X, result.Logical.Y, result.Logical.Z},
		"physical":   []int{result.Physical.Cabinet, result.Physical.Frame, result.Physical.Board},
		"chip":       []int{result.Chip.X, result.Chip.Y},
		"board_chip": []int{result.BoardChip.X, result.BoardChip.Y},
		"job_id":     result.JobID,
		"job_chip":   nil,
	}
	if result.JobChip != nil {
		out["job_chip"] = []int{result.JobChip.X, result.JobChip.Y}
	}
	return out, nil
}

func handleGetBoardPosition(s *Server, _ *session, args []any, kwargs map[string]any) (any, error) {
	machine, x, y, z, err := machineTripleArgs(args, kwargs)
	if err != nil {
		return nil, err
	}
	p := s.ctrl.GetBoardPosition(machine, coords.Logical{X: x, Y: y, Z: z})
	if p == nil {
		return nil, nil
	}
	return []int{p.Cabinet, p.Frame, p.Board}, nil
}

func handleGetBoardAtPosition(s *Server, _ *session, args []any, kwargs map[string]any) (any, error) {
	machine, x, y, z, err := machineTripleArgs(args, kwargs)
	if err != nil {
		return nil, err
	}
	l := s.ctrl.GetBoardAtPosition(machine, coords.Physical{Cabinet: x, Frame: y, Board: z})
	if l == nil {
		return nil, nil
	}
	return []int{l.X, l.Y, l.Z}, nil
}

func handleNotifyJob(s *Server, sess *session, args []any, kwargs map[string]any) (any, error) {
	id, err := optIntAt(args, 0, kwargs, "job_id")
	if err != nil {
		return nil, err
	}
	subscribe(s.jobWatches, sess, id)
	return nil, nil
}

func handleNoNotifyJob(s *Server, sess *session, args []any, kwargs map[string]any) (any, error) {
	id, err := optIntAt(args, 0, kwargs, "job_id")
	if err != nil {
		return nil, err
	}
	unsubscribe(s.jobWatches, sess, id)
	return nil, nil
}

func handleNotifyMachine(s *Server, sess *session, args []any, kwargs map[string]any) (any, error) {
	name, err := optStringAt(args, 0, kwargs, "machine_name")
	if err != nil {
		return nil, err
	}
	subscribe(s.machineWatches, sess, name)
	return nil, nil
}

func handleNoNotifyMachine(s *Server, sess *session, args []any, kwargs map[string]any) (any, error) {
	name, err := optStringAt(args, 0, kwargs, "machine_name")
	if err != nil {
		return nil, err
	}
	unsubscribe(s.machineWatches, sess, name)
	return nil, nil
}

func machineTripleArgs(args []any, kwargs map[string]any) (string, int, int, int, error) {
	machine, err := stringAt(args, 0, kwargs, "machine")
	if err != nil {
		return "", 0, 0, 0, err
	}
	x, err := intAt(args, 1, kwargs, "x")
	if err != nil {
		return "", 0, 0, 0, err
	}
	y, err := intAt(args, 2, kwargs, "y")
	if err != nil {
		return "", 0, 0, 0, err
	}
	z, err := intAt(args, 3, kwargs, "z")
	if err != nil {
		return "", 0, 0, 0, err
	}
	return machine, x, y, z, nil
}

func boardsToWire(boards []coords.Logical) []any {
	out := make([]any, 0, len(boards))
	for _, b := range boards {
		out = append(out, []int{b.X, b.Y, b.Z})
	}
	return out
}

func emptyIfNilSlice(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}

func emptyIfNilMap(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

// Argument coercion. The wire carries JSON, so every number arrives as a
// float64; ids must still be whole numbers.

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrBadArguments, n)
		}
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %T is not an integer", ErrBadArguments, v)
	}
}

func intAt(args []any, i int, kwargs map[string]any, key string) (int, error) {
	v, err := optIntAt(args, i, kwargs, key)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, fmt.Errorf("%w: %s required", ErrBadArguments, key)
	}
	return *v, nil
}

func optIntAt(args []any, i int, kwargs map[string]any, key string) (*int, error) {
	if i < len(args) {
		if args[i] == nil {
			return nil, nil
		}
		n, err := asInt(args[i])
		if err != nil {
			return nil, err
		}
		return &n, nil
	}
	return optIntKwarg(kwargs, key)
}

func optIntKwarg(kwargs map[string]any, key string) (*int, error) {
	v, ok := kwargs[key]
	if !ok || v == nil {
		return nil, nil
	}
	n, err := asInt(v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func stringAt(args []any, i int, kwargs map[string]any, key string) (string, error) {
	v, err := optStringAt(args, i, kwargs, key)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", fmt.Errorf("%w: %s required", ErrBadArguments, key)
	}
	return *v, nil
}

func optStringAt(args []any, i int, kwargs map[string]any, key string) (*string, error) {
	if i < len(args) {
		if args[i] == nil {
			return nil, nil
		}
		str, ok := args[i].(string)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not a string", ErrBadArguments, args[i])
		}
		return &str, nil
	}
	return optStringKwarg(kwargs, key)
}

func optStringKwarg(kwargs map[string]any, key string) (*string, error) {
	v, ok := kwargs[key]
	if !ok || v == nil {
		return nil, nil
	}
	str, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a string", ErrBadArguments, v)
	}
	return &str, nil
}
