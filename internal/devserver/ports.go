package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/stackkit-dev/stackkit/kit/colorlog"
	"github.com/stackkit-dev/stackkit/kit/fsutil"
)

// LeaseFile is the port discovery file written in the project root.
const LeaseFile = ".stackkit-dev-ports.json"

// ErrLeaseHeld is returned when another dev server is running on this project.
var ErrLeaseHeld = errors.New("another dev server is running on this project")

var ErrNoFreePort = errors.New("no free port in range")

// ErrBadLease is returned by ReadLease for a discovery file that does not
// parse, typically one truncated by a crash.
var ErrBadLease = errors.New("malformed lease file")

type Lease struct {
	HTTPPort  int       `json:"httpPort"`
	IPCPort   int       `json:"ipcPort"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`

	path string
}

type PortRequest struct {
	HTTPPort int
	IPCPort  int
	// Range is how many consecutive ports are tried from each start.
	Range int
	Host   string // Default: 127.0.0.1
	Logger *slog.Logger
}

// Listeners are bound before the lease is written so the recorded ports
// cannot be taken in between.
type Listeners struct {
	HTTP net.Listener
	IPC  net.Listener
}

func (l *Listeners) Close() error {
	return errors.Join(l.HTTP.Close(), l.IPC.Close())
}

// AcquireLease binds the HTTP and reload ports, searching upward from the
// requested ports, and records them in the discovery file under root. A
// lease left by a process that is no longer running, or one that does not
// parse, is overwritten.
func AcquireLease(root string, req PortRequest) (*Lease, *Listeners, error) {
	log := colorlog.Or(req.Logger, "ports")
	path := filepath.Join(root, LeaseFile)
	existing, err := ReadLease(root)
	switch {
	case err == nil:
		if existing.PID > 0 && existing.PID != os.Getpid() && isProcessRunning(existing.PID) {
			return nil, nil, fmt.Errorf("%w (PID %d)", ErrLeaseHeld, existing.PID)
		}
	case errors.Is(err, ErrBadLease):
		log.Warn("overwriting unreadable lease file", "path", path, "error", err)
	case !os.IsNotExist(err):
		return nil, nil, err
	}

	if req.Host == "" {
		req.Host = "127.0.0.1"
	}
	if req.Range <= 0 {
		req.Range = 1
	}
	httpLn, err := listenInRange(req.Host, req.HTTPPort, req.Range, -1)
	if err != nil {
		return nil, nil, fmt.Errorf("http port: %w", err)
	}
	httpPort := httpLn.Addr().(*net.TCPAddr).Port
	ipcLn, err := listenInRange(req.Host, req.IPCPort, req.Range, httpPort)
	if err != nil {
		httpLn.Close()
		return nil, nil, fmt.Errorf("reload port: %w", err)
	}

	lease := &Lease{
		HTTPPort:  httpPort,
		IPCPort:   ipcLn.Addr().(*net.TCPAddr).Port,
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		path:      path,
	}
	lns := &Listeners{HTTP: httpLn, IPC: ipcLn}
	data, err := json.MarshalIndent(lease, "", "  ")
	if err == nil {
		err = fsutil.WriteFile(path, append(data, '\n'))
	}
	if err != nil {
		lns.Close()
		return nil, nil, fmt.Errorf("write %s: %w", LeaseFile, err)
	}
	return lease, lns, nil
}

// listenInRange binds the first free port in [start, start+span). Port 0
// binds an ephemeral port.
func listenInRange(host string, start, span, exclude int) (net.Listener, error) {
	if start == 0 {
		return net.Listen("tcp", net.JoinHostPort(host, "0"))
	}
	var lastErr error
	for port := start; port < start+span; port++ {
		if port == exclude {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, fmt.Errorf("%w %d-%d", ErrNoFreePort, start, start+span-1)
	}
	return nil, fmt.Errorf("%w %d-%d: %w", ErrNoFreePort, start, start+span-1, lastErr)
}

func ReadLease(root string) (*Lease, error) {
	path := filepath.Join(root, LeaseFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrBadLease, LeaseFile, err)
	}
	lease.path = path
	return &lease, nil
}

// Release removes the discovery file if it still belongs to this lease.
func (l *Lease) Release() error {
	current, err := ReadLease(filepath.Dir(l.path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if current.PID != l.PID || !current.StartedAt.Equal(l.StartedAt) {
		return nil
	}
	return os.Remove(l.path)
}
