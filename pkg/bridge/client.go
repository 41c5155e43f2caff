// Package bridge is the agent-side client for the rvguard control socket.
// The bridge service uses it to register itself, push policy and role
// updates, drive the heartbeat loop, and drain the alert channel.
package bridge

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tad-europe/rvguard/pkg/types"
)

// Frame layout shared with the engine endpoint, little-endian.
const (
	requestHeaderSize = 16
	replyHeaderSize   = 8
)

var le = binary.LittleEndian

// Config for the control-socket client.
type Config struct {
	SocketPath string
	Timeout    time.Duration
}

// Client is a synchronous control-socket client. Requests are serialized;
// the engine resolves each one synchronously so pipelining buys nothing.
type Client struct {
	path    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewClient creates a client for the engine's control socket.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{path: cfg.SocketPath, timeout: cfg.Timeout}
}

// Close releases the connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) dial() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return fmt.Errorf("dial control socket %s: %w", c.path, err)
	}
	c.conn = conn
	return nil
}

// roundTrip sends one request frame and reads the reply. On transport
// failure the connection is discarded so the next call redials.
func (c *Client) roundTrip(code uint32, input []byte, outCap int) (types.Status, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dial(); err != nil {
		return 0, nil, err
	}
	fail := func(err error) (types.Status, []byte, error) {
		c.conn.Close()
		c.conn = nil
		return 0, nil, err
	}

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	frame := make([]byte, requestHeaderSize+len(input))
	le.PutUint32(frame[0:4], code)
	le.PutUint32(frame[4:8], uint32(len(input)))
	le.PutUint32(frame[8:12], uint32(outCap))
	copy(frame[requestHeaderSize:], input)
	if _, err := c.conn.Write(frame); err != nil {
		return fail(fmt.Errorf("write request: %w", err))
	}

	hdr := make([]byte, replyHeaderSize)
	if _, err := io.ReadFull(c.conn, hdr); err != nil {
		return fail(fmt.Errorf("read reply: %w", err))
	}
	status := types.Status(le.Uint32(hdr[0:4]))
	outLen := le.Uint32(hdr[4:8])
	if outLen > types.BannedAppsInputSize {
		return fail(fmt.Errorf("reply payload %d bytes exceeds protocol bound", outLen))
	}
	out := make([]byte, outLen)
	if _, err := io.ReadFull(c.conn, out); err != nil {
		return fail(fmt.Errorf("read reply payload: %w", err))
	}
	return status, out, nil
}

// statusErr maps a non-OK engine status to an error.
func statusErr(op string, st types.Status) error {
	if st == types.StatusOK {
		return nil
	}
	return fmt.Errorf("%s: engine returned %s", op, st)
}

// Register makes pid the protected, registered agent. Call it with the
// bridge service's own PID immediately after the engine comes up.
func (c *Client) Register(pid uint32) error {
	in, err := (&types.ProtectPIDInput{TargetPID: pid}).MarshalBinary()
	if err != nil {
		return err
	}
	st, _, err := c.roundTrip(types.ReqProtectPID, in, 0)
	if err != nil {
		return err
	}
	return statusErr("register", st)
}

// Unlock presents the unload key.
func (c *Client) Unlock(key [types.AuthKeyBytes]byte) error {
	in, err := (&types.UnlockInput{AuthKey: key}).MarshalBinary()
	if err != nil {
		return err
	}
	st, _, err := c.roundTrip(types.ReqUnlock, in, 0)
	if err != nil {
		return err
	}
	return statusErr("unlock", st)
}

// Heartbeat checks in with the watchdog and returns the engine snapshot.
func (c *Client) Heartbeat() (types.HeartbeatOutput, error) {
	var out types.HeartbeatOutput
	st, b, err := c.roundTrip(types.ReqHeartbeat, nil, types.HeartbeatOutputSize)
	if err != nil {
		return out, err
	}
	if err := statusErr("heartbeat", st); err != nil {
		return out, err
	}
	return out, out.UnmarshalBinary(b)
}

// SetUserRole pushes the resolved role for the active session.
func (c *Client) SetUserRole(role types.UserRole, sessionID uint32, sid string) error {
	in, err := (&types.SetUserRoleInput{Role: uint32(role), SessionID: sessionID, UserSID: sid}).MarshalBinary()
	if err != nil {
		return err
	}
	st, _, err := c.roundTrip(types.ReqSetUserRole, in, 0)
	if err != nil {
		return err
	}
	return statusErr("set user role", st)
}

// SetPolicy replaces the engine policy wholesale.
func (c *Client) SetPolicy(p types.PolicyBuffer) error {
	in, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	st, _, err := c.roundTrip(types.ReqSetPolicy, in, 0)
	if err != nil {
		return err
	}
	return statusErr("set policy", st)
}

// ReadAlert fetches the next alert; ok is false when only the sentinel was
// available.
func (c *Client) ReadAlert() (types.AlertOutput, bool, error) {
	var out types.AlertOutput
	st, b, err := c.roundTrip(types.ReqReadAlert, nil, types.AlertOutputSize)
	if err != nil {
		return out, false, err
	}
	if err := statusErr("read alert", st); err != nil {
		return out, false, err
	}
	if err := out.UnmarshalBinary(b); err != nil {
		return out, false, err
	}
	return out, out.Type != types.AlertNone, nil
}

// HardLock engages or releases the input hard-lock.
func (c *Client) HardLock(enable bool) error {
	in, err := (&types.HardLockInput{Enable: boolU32(enable)}).MarshalBinary()
	if err != nil {
		return err
	}
	st, _, err := c.roundTrip(types.ReqHardLock, in, 0)
	if err != nil {
		return err
	}
	return statusErr("hard lock", st)
}

// ProtectUI protects the overlay process, or releases it when pid is zero.
func (c *Client) ProtectUI(pid uint32) error {
	msg := types.ProtectUIInput{TargetPID: pid, Protect: boolU32(pid != 0)}
	in, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	st, _, err := c.roundTrip(types.ReqProtectUI, in, 0)
	if err != nil {
		return err
	}
	return statusErr("protect ui", st)
}

// SetStealth latches stealth mode with the given feature flags.
func (c *Client) SetStealth(enable bool, flags uint32) error {
	in, err := (&types.StealthInput{Enable: boolU32(enable), Flags: flags}).MarshalBinary()
	if err != nil {
		return err
	}
	st, _, err := c.roundTrip(types.ReqStealth, in, 0)
	if err != nil {
		return err
	}
	return statusErr("stealth", st)
}

// SetBannedApps replaces the banned-application list.
func (c *Client) SetBannedApps(names []string) error {
	in, err := (&types.BannedAppsInput{ImageNames: names}).MarshalBinary()
	if err != nil {
		return err
	}
	st, _, err := c.roundTrip(types.ReqSetBannedApps, in, 0)
	if err != nil {
		return err
	}
	return statusErr("set banned apps", st)
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
