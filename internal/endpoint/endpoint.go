// Package endpoint exposes the engine's control surface on a unix domain
// socket. The socket stands in for the control device: the parent directory
// is created mode 0700 and the socket itself chmodded 0600, and every
// request is attributed to its caller through SO_PEERCRED, so the caller
// PID the dispatch layer authorizes against cannot be forged by the peer.
package endpoint

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/tad-europe/rvguard/internal/driver"
	"github.com/tad-europe/rvguard/pkg/types"
)

// Frame layout, little-endian. A request frame is the 16-byte header
// followed by InLen payload bytes; the reply is the 8-byte header followed
// by OutLen payload bytes.
const (
	requestHeaderSize = 16 // code u32, inLen u32, outCap u32, reserved u32
	replyHeaderSize   = 8  // status u32, outLen u32

	// maxInLen bounds a request payload at the largest defined input.
	maxInLen = types.BannedAppsInputSize
	// maxOutCap bounds the declared reply capacity.
	maxOutCap = types.AlertOutputSize

	readTimeout = 30 * time.Second
)

var le = binary.LittleEndian

// Server accepts control connections and feeds decoded requests to the
// engine.
type Server struct {
	log    *logrus.Logger
	engine *driver.Engine
	path   string

	listener *net.UnixListener
}

// New prepares the socket at path: the parent directory is created 0700, a
// stale socket file is removed, and the fresh socket chmodded 0600.
func New(log *logrus.Logger, engine *driver.Engine, path string) (*Server, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir %s: %w", dir, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", path, err)
	}
	return &Server{log: log, engine: engine, path: path, listener: l}, nil
}

// Start serves connections until ctx is cancelled, then closes the listener
// and removes the socket file.
func (s *Server) Start(ctx context.Context) error {
	s.log.WithField("socket", s.path).Info("Control endpoint listening")

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				os.Remove(s.path)
				return nil
			}
			s.log.WithError(err).Warn("Accept failed")
			continue
		}
		go s.serveConn(ctx, conn)
	}
}

// peerPID resolves the connecting process through SO_PEERCRED.
func peerPID(conn *net.UnixConn) (uint32, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		cred    *unix.Ucred
		sockErr error
	)
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if sockErr != nil {
		return 0, sockErr
	}
	return uint32(cred.Pid), nil
}

func (s *Server) serveConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	pid, err := peerPID(conn)
	if err != nil {
		s.log.WithError(err).Warn("Peer credential lookup failed, dropping connection")
		return
	}
	log := s.log.WithField("caller", pid)

	hdr := make([]byte, requestHeaderSize)
	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, err := io.ReadFull(conn, hdr); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Debug("Connection read ended")
			}
			return
		}

		code := le.Uint32(hdr[0:4])
		inLen := le.Uint32(hdr[4:8])
		outCap := le.Uint32(hdr[8:12])
		if inLen > maxInLen || outCap > maxOutCap {
			// An oversized frame is a protocol violation, not a request.
			log.WithFields(logrus.Fields{
				"in_len":  inLen,
				"out_cap": outCap,
			}).Warn("Oversized control frame, dropping connection")
			return
		}

		input := make([]byte, inLen)
		if _, err := io.ReadFull(conn, input); err != nil {
			log.WithError(err).Debug("Payload read failed")
			return
		}

		resp := s.engine.Dispatch(driver.Request{
			Code:      code,
			CallerPID: pid,
			Input:     input,
			OutputCap: int(outCap),
		})
		if err := writeReply(conn, resp); err != nil {
			log.WithError(err).Debug("Reply write failed")
			return
		}
	}
}

func writeReply(conn *net.UnixConn, resp driver.Response) error {
	buf := make([]byte, replyHeaderSize+len(resp.Output))
	le.PutUint32(buf[0:4], uint32(resp.Status))
	le.PutUint32(buf[4:8], uint32(len(resp.Output)))
	copy(buf[replyHeaderSize:], resp.Output)
	_, err := conn.Write(buf)
	return err
}
