// SPDX-License-Identifier: BSD-3-Clause

package allocsrv

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/spalloc/spallocd/pkg/bmp"
	"github.com/spalloc/spallocd/pkg/config"
	"github.com/spalloc/spallocd/pkg/coords"
)

const (
	stateQueued    = 1.0
	stateReady     = 3.0
	stateDestroyed = 4.0
	stateUnknown   = 0.0
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// testMachine builds a fully located w x h triad machine.
func testMachine(name string, w, h int) config.Machine {
	m := config.Machine{Name: name, Tags: []string{"default"}, Width: w, Height: h}
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			for z := 0; z < 3; z++ {
				l := coords.Logical{X: x, Y: y, Z: z}
				m.BoardLocations = append(m.BoardLocations, config.BoardLocation{
					Logical:  l,
					Physical: coords.Physical{Cabinet: x * 10, Frame: y * 10, Board: z * 10},
				})
				m.SpiNNakerAddresses = append(m.SpiNNakerAddresses, config.BoardAddress{
					Logical: l,
					Host:    fmt.Sprintf("11.%d.%d.%d", x, y, z),
				})
			}
		}
	}
	return m
}

func writeConfig(t *testing.T, path string, cfg *config.Configuration) {
	t.Helper()
	doc := struct {
		Configuration *config.Configuration `yaml:"configuration"`
	}{cfg}
	raw, err := yaml.Marshal(&doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
}

func testConfiguration(port int, machines ...config.Machine) *config.Configuration {
	return &config.Configuration{
		IP:                   "127.0.0.1",
		Port:                 port,
		TimeoutCheckInterval: 0.05,
		Machines:             machines,
	}
}

// startServer runs a server against a mock fabric and waits for it to
// accept connections.
func startServer(t *testing.T, configPath string, opts ...Option) (*Server, string) {
	t.Helper()

	all := append([]Option{
		WithConfigPath(configPath),
		WithClientFactory(func(m *config.Machine) bmp.Client { return bmp.NewNopClient() }),
	}, opts...)
	srv := New(all...)

	go func() {
		if err := srv.Run(context.Background()); err != nil {
			t.Errorf("server run failed: %v", err)
		}
	}()
	t.Cleanup(func() {
		srv.Stop()
		srv.Join()
	})

	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	addr := net.JoinHostPort(cfg.IP, fmt.Sprint(cfg.Port))
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond, "server never started accepting")

	return srv, addr
}

// lineClient mirrors the protocol: commands out, returns and notifications
// in, one JSON object per line.
type lineClient struct {
	t             *testing.T
	conn          net.Conn
	r             *bufio.Reader
	notifications []map[string]any
}

func dialClient(t *testing.T, addr string) *lineClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &lineClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *lineClient) send(cmd string, args []any, kwargs map[string]any) {
	c.t.Helper()
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{"command": cmd, "args": args, "kwargs": kwargs})
	require.NoError(c.t, err)
	_, err = c.conn.Write(append(payload, '\n'))
	require.NoError(c.t, err)
}

func (c *lineClient) readObject() (map[string]any, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return nil, err
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(line, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (c *lineClient) call(cmd string, args []any, kwargs map[string]any) any {
	c.t.Helper()
	c.send(cmd, args, kwargs)
	for {
		obj, err := c.readObject()
		require.NoError(c.t, err, "no return for %s", cmd)
		if ret, ok := obj["return"]; ok {
			return ret
		}
		c.notifications = append(c.notifications, obj)
	}
}

func (c *lineClient) notification() map[string]any {
	c.t.Helper()
	if len(c.notifications) > 0 {
		n := c.notifications[0]
		c.notifications = c.notifications[1:]
		return n
	}
	obj, err := c.readObject()
	require.NoError(c.t, err, "no notification arrived")
	return obj
}

func (c *lineClient) waitJobState(id any, want float64) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		state := c.call("get_job_state", []any{id}, nil).(map[string]any)
		return state["state"] == want
	}, 2*time.Second, 10*time.Millisecond)
}

func singleMachineConfig(t *testing.T) (string, int) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "spalloc.yaml")
	port := freePort(t)
	writeConfig(t, path, testConfiguration(port, testMachine("m", 1, 2)))
	return path, port
}

func TestVersionCommand(t *testing.T) {
	path, _ := singleMachineConfig(t)
	_, addr := startServer(t, path, WithVersion("7.7.7"))

	c := dialClient(t, addr)
	assert.Equal(t, "7.7.7", c.call("version", nil, nil))
}

func TestUnknownCommandDisconnects(t *testing.T) {
	path, _ := singleMachineConfig(t)
	_, addr := startServer(t, path)

	c := dialClient(t, addr)
	c.send("does not exist", nil, nil)
	_, err := c.readObject()
	assert.Error(t, err, "server must drop the connection")
}

func TestMalformedLineDisconnects(t *testing.T) {
	path, _ := singleMachineConfig(t)
	_, addr := startServer(t, path)

	c := dialClient(t, addr)
	_, err := c.conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)
	_, err = c.readObject()
	assert.Error(t, err)
}

func TestDisconnectedClientDoesNotAffectOthers(t *testing.T) {
	path, _ := singleMachineConfig(t)
	_, addr := startServer(t, path)

	bad := dialClient(t, addr)
	good := dialClient(t, addr)

	bad.send("does not exist", nil, nil)
	_, err := bad.readObject()
	require.Error(t, err)

	assert.NotNil(t, good.call("list_machines", nil, nil))
}

func TestJobManagement(t *testing.T) {
	path, _ := singleMachineConfig(t)
	_, addr := startServer(t, path)
	c := dialClient(t, addr)

	id0 := c.call("create_job", nil, map[string]any{"owner": "me", "tags": []any{"default"}})
	require.NotNil(t, id0)
	c.waitJobState(id0, stateReady)

	// Queued: the whole-machine torus cannot fit alongside id0.
	id1 := c.call("create_job", []any{1, 2},
		map[string]any{"owner": "me", "require_torus": true})
	assert.NotEqual(t, id0, id1)

	// Impossible: bigger than any machine.
	id2 := c.call("create_job", []any{2, 2}, map[string]any{"owner": "me"})

	assert.Nil(t, c.call("job_keepalive", []any{id0}, nil))
	assert.Nil(t, c.call("job_keepalive", []any{id1}, nil))
	assert.Nil(t, c.call("job_keepalive", []any{id2}, nil))

	state0 := c.call("get_job_state", []any{id0}, nil).(map[string]any)
	assert.Equal(t, stateReady, state0["state"])
	assert.Equal(t, true, state0["power"])
	assert.Equal(t, 60.0, state0["keepalive"])
	assert.Nil(t, state0["reason"])
	assert.NotNil(t, state0["start_time"])

	state1 := c.call("get_job_state", []any{id1}, nil).(map[string]any)
	assert.Equal(t, stateQueued, state1["state"])
	assert.Nil(t, state1["power"])

	state2 := c.call("get_job_state", []any{id2}, nil).(map[string]any)
	assert.Equal(t, stateDestroyed, state2["state"])
	assert.Equal(t, "Cancelled: No suitable machines available.", state2["reason"])
	assert.Nil(t, state2["keepalive"])
	assert.Nil(t, state2["start_time"])

	info0 := c.call("get_job_machine_info", []any{id0}, nil).(map[string]any)
	assert.Equal(t, 8.0, info0["width"])
	assert.Equal(t, 8.0, info0["height"])
	assert.Equal(t, "m", info0["machine_name"])
	assert.Equal(t, []any{[]any{0.0, 0.0, 0.0}}, info0["boards"])
	assert.Equal(t, []any{[]any{[]any{0.0, 0.0}, "11.0.0.0"}}, info0["connections"])

	info1 := c.call("get_job_machine_info", []any{id1}, nil).(map[string]any)
	assert.Nil(t, info1["width"])
	assert.Nil(t, info1["height"])
	assert.Nil(t, info1["connections"])
	assert.Nil(t, info1["machine_name"])
	assert.Nil(t, info1["boards"])

	assert.Nil(t, c.call("power_off_job_boards", []any{id0}, nil))
	assert.Nil(t, c.call("power_on_job_boards", []any{id0}, nil))
	c.waitJobState(id0, stateReady)

	jobs := c.call("list_jobs", nil, nil).([]any)
	require.Len(t, jobs, 2)
	job0 := jobs[0].(map[string]any)
	job1 := jobs[1].(map[string]any)
	assert.Equal(t, id0, job0["job_id"])
	assert.Equal(t, id1, job1["job_id"])
	assert.Equal(t, "me", job0["owner"])
	assert.Equal(t, []any{}, job0["args"])
	assert.Equal(t, []any{1.0, 2.0}, job1["args"])
	assert.Equal(t, map[string]any{"tags": []any{"default"}}, job0["kwargs"])
	assert.Equal(t, map[string]any{"require_torus": true}, job1["kwargs"])
	assert.Equal(t, "m", job0["allocated_machine_name"])
	assert.Nil(t, job1["allocated_machine_name"])

	// Destroying id0 frees the machine for the queued torus job.
	assert.Nil(t, c.call("destroy_job", []any{id0, "Test reason..."}, nil))
	state0 = c.call("get_job_state", []any{id0}, nil).(map[string]any)
	assert.Equal(t, stateDestroyed, state0["state"])
	assert.Equal(t, "Test reason...", state0["reason"])

	c.waitJobState(id1, stateReady)
}

func TestListMachinesCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spalloc.yaml")
	port := freePort(t)

	m1 := testMachine("m1", 3, 4)
	m1.DeadBoards = []coords.Logical{{X: 0, Y: 0, Z: 1}}
	m1.DeadLinks = []coords.DeadLink{{X: 1, Y: 1, Z: 1, Link: coords.LinkNorth}}
	writeConfig(t, path, testConfiguration(port, testMachine("m0", 1, 2), m1))
	_, addr := startServer(t, path)

	c := dialClient(t, addr)
	machines := c.call("list_machines", nil, nil).([]any)
	require.Len(t, machines, 2)

	first := machines[0].(map[string]any)
	second := machines[1].(map[string]any)
	assert.Equal(t, "m0", first["name"])
	assert.Equal(t, "m1", second["name"])
	assert.Equal(t, []any{"default"}, first["tags"])
	assert.Equal(t, 1.0, first["width"])
	assert.Equal(t, 3.0, second["width"])
	assert.Equal(t, []any{}, first["dead_boards"])
	assert.Equal(t, []any{[]any{0.0, 0.0, 1.0}}, second["dead_boards"])
	assert.Equal(t, []any{[]any{1.0, 1.0, 1.0, float64(coords.LinkNorth)}}, second["dead_links"])
}

func TestWhereIsCommand(t *testing.T) {
	path, _ := singleMachineConfig(t)
	_, addr := startServer(t, path)
	c := dialClient(t, addr)

	assert.Nil(t, c.call("where_is", nil,
		map[string]any{"machine": "bad", "x": 0, "y": 0, "z": 0}))

	got := c.call("where_is", nil,
		map[string]any{"machine": "m", "x": 0, "y": 0, "z": 2}).(map[string]any)
	assert.Equal(t, "m", got["machine"])
	assert.Equal(t, []any{0.0, 0.0, 2.0}, got["logical"])
	assert.Equal(t, []any{0.0, 0.0, 20.0}, got["physical"])
	assert.Equal(t, []any{4.0, 8.0}, got["chip"])
	assert.Equal(t, []any{0.0, 0.0}, got["board_chip"])
	assert.Nil(t, got["job_id"])
	assert.Nil(t, got["job_chip"])
}

func TestBoardPositionCommands(t *testing.T) {
	path, _ := singleMachineConfig(t)
	_, addr := startServer(t, path)
	c := dialClient(t, addr)

	assert.Nil(t, c.call("get_board_position", []any{"bad", 0, 0, 0}, nil))
	assert.Equal(t, []any{0.0, 0.0, 20.0},
		c.call("get_board_position", []any{"m", 0, 0, 2}, nil))

	assert.Nil(t, c.call("get_board_at_position", []any{"bad", 0, 0, 0}, nil))
	assert.Nil(t, c.call("get_board_at_position", []any{"m", 0, 0, 21}, nil))
	assert.Equal(t, []any{0.0, 0.0, 0.0},
		c.call("get_board_at_position", []any{"m", 0, 0, 0}, nil))
	assert.Equal(t, []any{0.0, 0.0, 2.0},
		c.call("get_board_at_position", []any{"m", 0, 0, 20}, nil))
}

func TestJobNotifications(t *testing.T) {
	path, _ := singleMachineConfig(t)
	_, addr := startServer(t, path)

	c0 := dialClient(t, addr)
	c1 := dialClient(t, addr)

	// c1 listens for all job changes.
	assert.Nil(t, c1.call("notify_job", nil, nil))

	id0 := c0.call("create_job", nil, map[string]any{"owner": "me"})
	n := c1.notification()
	assert.Equal(t, map[string]any{"jobs_changed": []any{id0}}, n)

	// c0 subscribes to its own job only; a second job's changes must not
	// reach it.
	assert.Nil(t, c0.call("notify_job", []any{id0}, nil))
	id1 := c0.call("create_job", []any{1, 2},
		map[string]any{"owner": "me", "require_torus": true})

	c0.waitJobState(id0, stateReady)
	require.Eventually(t, func() bool {
		n := c1.notification()
		changed, ok := n["jobs_changed"].([]any)
		if !ok {
			return false
		}
		for _, v := range changed {
			if v == id1 {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)

	// Destroying id0 notifies c0 about its watched job only.
	assert.Nil(t, c0.call("destroy_job", []any{id0}, nil))
	n = c0.notification()
	assert.Equal(t, map[string]any{"jobs_changed": []any{id0}}, n)
}

func TestMachineNotifications(t *testing.T) {
	path, _ := singleMachineConfig(t)
	_, addr := startServer(t, path)

	c0 := dialClient(t, addr)
	c1 := dialClient(t, addr)

	assert.Nil(t, c0.call("notify_machine", []any{"m"}, nil))
	assert.Nil(t, c1.call("notify_machine", nil, nil))

	id := c0.call("create_job", nil, map[string]any{"owner": "me"})
	require.NotNil(t, id)

	assert.Equal(t, map[string]any{"machines_changed": []any{"m"}}, c0.notification())
	assert.Equal(t, map[string]any{"machines_changed": []any{"m"}}, c1.notification())
}

func TestNoNotifyIsIdempotent(t *testing.T) {
	path, _ := singleMachineConfig(t)
	_, addr := startServer(t, path)
	c := dialClient(t, addr)

	// Unsubscribing a client that never subscribed must not disconnect it.
	assert.Nil(t, c.call("no_notify_job", nil, nil))
	assert.Nil(t, c.call("no_notify_job", nil, nil))
	assert.Nil(t, c.call("no_notify_machine", nil, nil))
	assert.NotNil(t, c.call("version", nil, nil))
}

func TestKeepaliveExpiryEndToEnd(t *testing.T) {
	path, _ := singleMachineConfig(t)
	_, addr := startServer(t, path)
	c := dialClient(t, addr)

	id := c.call("create_job", nil, map[string]any{"owner": "me", "keepalive": 0.15})
	c.waitJobState(id, stateReady)
	c.waitJobState(id, stateDestroyed)

	state := c.call("get_job_state", []any{id}, nil).(map[string]any)
	assert.Equal(t, "Job timed out.", state["reason"])
}

func TestStopDisconnectsClients(t *testing.T) {
	path, _ := singleMachineConfig(t)
	srv, addr := startServer(t, path)
	c := dialClient(t, addr)
	require.NotNil(t, c.call("version", nil, nil))

	srv.Stop()
	srv.Join()

	_, err := c.readObject()
	assert.Error(t, err)
}

func TestWarmRestartRestoresJobs(t *testing.T) {
	path, _ := singleMachineConfig(t)

	srv, addr := startServer(t, path)
	c := dialClient(t, addr)
	id := c.call("create_job", nil, map[string]any{"owner": "me"})
	c.waitJobState(id, stateReady)
	srv.Stop()
	srv.Join()

	// The state file sits next to the configuration file.
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".*.state.*"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	_, addr = startServer(t, path)
	c = dialClient(t, addr)
	state := c.call("get_job_state", []any{id}, nil).(map[string]any)
	assert.Equal(t, stateReady, state["state"])
}

func TestColdStartDiscardsState(t *testing.T) {
	path, _ := singleMachineConfig(t)

	srv, addr := startServer(t, path)
	c := dialClient(t, addr)
	id := c.call("create_job", nil, map[string]any{"owner": "me"})
	c.waitJobState(id, stateReady)
	srv.Stop()
	srv.Join()

	_, addr = startServer(t, path, WithColdStart(true))
	c = dialClient(t, addr)
	state := c.call("get_job_state", []any{id}, nil).(map[string]any)
	assert.Equal(t, stateUnknown, state["state"])
}

func TestCorruptStateFileColdStarts(t *testing.T) {
	path, _ := singleMachineConfig(t)

	srv, addr := startServer(t, path)
	c := dialClient(t, addr)
	id := c.call("create_job", nil, map[string]any{"owner": "me"})
	c.waitJobState(id, stateReady)
	srv.Stop()
	srv.Join()

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".*.state.*"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NoError(t, os.WriteFile(matches[0], nil, 0o600))

	_, addr = startServer(t, path)
	c = dialClient(t, addr)
	state := c.call("get_job_state", []any{id}, nil).(map[string]any)
	assert.Equal(t, stateUnknown, state["state"])
}

func TestReloadMovesListenerOnlyWhenIdentityChanges(t *testing.T) {
	path, port := singleMachineConfig(t)
	_, addr := startServer(t, path)
	c := dialClient(t, addr)
	require.NotNil(t, c.call("version", nil, nil))

	// A reload that keeps (ip, port) must not disturb the listener or the
	// connected clients.
	cfg := testConfiguration(port, testMachine("m", 1, 2))
	cfg.MaxRetiredJobs = 123
	writeConfig(t, path, cfg)

	require.Never(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, 300*time.Millisecond, 50*time.Millisecond, "listener must stay up across a same-identity reload")
	require.NotNil(t, c.call("version", nil, nil))

	// A reload that changes the port moves the listener; the existing
	// client connection survives.
	newPort := freePort(t)
	writeConfig(t, path, testConfiguration(newPort, testMachine("m", 1, 2)))

	newAddr := net.JoinHostPort("127.0.0.1", fmt.Sprint(newPort))
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", newAddr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, 2*time.Second, 10*time.Millisecond, "old listener must close")

	require.NotNil(t, c.call("version", nil, nil))
}

func TestReloadFailureKeepsConfiguration(t *testing.T) {
	path, _ := singleMachineConfig(t)
	_, addr := startServer(t, path)
	c := dialClient(t, addr)

	require.NoError(t, os.WriteFile(path, []byte("configuration: [unclosed"), 0o600))
	time.Sleep(200 * time.Millisecond)

	machines := c.call("list_machines", nil, nil).([]any)
	require.Len(t, machines, 1)
	assert.Equal(t, "m", machines[0].(map[string]any)["name"])
}

func TestReloadedMachinesAnnounced(t *testing.T) {
	path, port := singleMachineConfig(t)
	_, addr := startServer(t, path)
	c := dialClient(t, addr)
	assert.Nil(t, c.call("notify_machine", nil, nil))

	writeConfig(t, path, testConfiguration(port))

	n := c.notification()
	assert.Equal(t, map[string]any{"machines_changed": []any{"m"}}, n)

	machines := c.call("list_machines", nil, nil).([]any)
	assert.Empty(t, machines)
}
