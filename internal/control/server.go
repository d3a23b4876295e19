package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/insa-strasbourg/hermes-client/internal/loop"
	"github.com/insa-strasbourg/hermes-client/pkg/config"
	"github.com/insa-strasbourg/hermes-client/pkg/logger"
)

// connReadTimeout bounds how long the server waits for a client to finish
// sending its request and half-close its write side, so a stuck client can't
// wedge the listener goroutine, mirroring socket.py's connection.settimeout(1).
const connReadTimeout = 1 * time.Second

// Server listens on a Unix stream socket and dispatches quit/pause/resume/
// status commands to a Loop, spec §6's "auxiliary thread" — here a single
// goroutine that only reads Loop's atomic flags and snapshot, never touching
// a shared mutable cache (spec §5).
type Server struct {
	Path  string
	Owner string
	Group string
	Mode  os.FileMode

	Loop     *loop.Loop
	Log      logger.Logger
	AppName  string

	ln       net.Listener
	wg       sync.WaitGroup
	closeMux sync.Mutex
	closed   bool
}

// New builds a Server from configuration; the socket isn't created until
// Start is called.
func New(cfg *config.Config, l *loop.Loop, log logger.Logger) (*Server, error) {
	mode, err := parseMode(cfg.ControlSocketMode)
	if err != nil {
		return nil, fmt.Errorf("control: parse control socket mode %q: %w", cfg.ControlSocketMode, err)
	}
	return &Server{
		Path:    cfg.ControlSocketPath,
		Owner:   cfg.ControlSocketOwner,
		Group:   cfg.ControlSocketGroup,
		Mode:    mode,
		Loop:    l,
		Log:     log,
		AppName: cfg.AppName,
	}, nil
}

func parseMode(s string) (os.FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return os.FileMode(v), nil
}

// Start removes any stale socket file, binds and chmods/chowns the new one,
// then accepts connections in a background goroutine until Close is called.
// Mirrors SockServer.__init__ + startProcessMessagesDaemon.
func (s *Server) Start(ctx context.Context) error {
	if err := removeStaleSocket(s.Path); err != nil {
		return fmt.Errorf("control: remove stale socket %q: %w", s.Path, err)
	}

	ln, err := net.Listen("unix", s.Path)
	if err != nil {
		return fmt.Errorf("control: listen on %q: %w", s.Path, err)
	}
	s.ln = ln

	if err := s.applyOwnership(); err != nil {
		ln.Close()
		return err
	}
	if err := os.Chmod(s.Path, s.Mode); err != nil {
		ln.Close()
		return fmt.Errorf("control: chmod %q: %w", s.Path, err)
	}

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// removeStaleSocket deletes path if it exists and is a socket, refusing to
// touch anything else left there by a previous, unrelated process.
func removeStaleSocket(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if st.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%q exists and is not a socket", path)
	}
	return os.Remove(path)
}

func (s *Server) applyOwnership() error {
	if s.Owner == "" && s.Group == "" {
		return nil
	}
	uid, gid := -1, -1
	if s.Owner != "" {
		u, err := user.Lookup(s.Owner)
		if err != nil {
			return fmt.Errorf("control: control socket owner %q doesn't exist: %w", s.Owner, err)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if s.Group != "" {
		g, err := user.LookupGroup(s.Group)
		if err != nil {
			return fmt.Errorf("control: control socket group %q doesn't exist: %w", s.Group, err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}
	return os.Chown(s.Path, uid, gid)
}

// Close stops accepting connections, removes the socket file, and waits for
// the accept goroutine to exit. Safe to call more than once.
func (s *Server) Close() error {
	s.closeMux.Lock()
	if s.closed {
		s.closeMux.Unlock()
		return nil
	}
	s.closed = true
	s.closeMux.Unlock()

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	os.Remove(s.Path)
	return err
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.Log.WarnContext(ctx, "control socket accept failed", "error", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connReadTimeout))

	// Every connection gets its own request id, carried through ctx so every
	// log line this command produces (including ones logged deep inside Loop)
	// can be correlated back to the same hermesctl invocation.
	requestID := uuid.NewString()
	ctx = logger.WithRequestID(ctx, requestID)

	raw, err := io.ReadAll(conn)
	if err != nil {
		s.Log.WarnContext(ctx, "control socket read failed", "error", err)
		return
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		// Malformed message: ignored, same as SockServer's from_json failure.
		return
	}

	s.Log.InfoContext(ctx, "control command received", "argv", req.Argv)
	resp := Dispatch(s.Loop, s.AppName, req.Argv)

	encoded, err := json.Marshal(resp)
	if err != nil {
		s.Log.WarnContext(ctx, "control socket encode reply failed", "error", err)
		return
	}
	if _, err := conn.Write(encoded); err != nil {
		s.Log.WarnContext(ctx, "control socket write failed", "error", err)
	}
}
