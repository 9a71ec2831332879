// Package connectivity checks that a measurement server's control port
// accepts connections before a campaign relies on it.
package connectivity

import (
	"context"
	"errors"
	"net"
	"net/http/httptrace"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

// Report describes one reachability check.
type Report struct {
	Target         string      `json:"target"`
	Transport      string      `json:"transport,omitempty"`
	Time           time.Time   `json:"time"`
	DurationMs     int64       `json:"duration_ms"`
	Error          *errorJSON  `json:"error"`
	TCPConnections []tcpReport `json:"tcp_connections,omitempty"`
}

type tcpReport struct {
	Hostname string    `json:"hostname"`
	IP       string    `json:"ip"`
	Port     string    `json:"port"`
	Error    string    `json:"error"`
	Time     time.Time `json:"time"`
	Duration int64     `json:"duration_ms"`
}

type errorJSON struct {
	Op string `json:"op,omitempty"`
	// Posix error, when available
	PosixError string `json:"posix_error,omitempty"`
	Msg        string `json:"msg,omitempty"`
	MsgVerbose string `json:"msg_verbose,omitempty"`
}

// IsSuccess reports whether the port accepted a connection.
func (r Report) IsSuccess() bool {
	return r.Error == nil
}

func makeErrorRecord(err error) *errorJSON {
	if err == nil {
		return nil
	}
	record := &errorJSON{
		Msg:        findBaseError(err).Error(),
		MsgVerbose: err.Error(),
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		record.Op = opErr.Op
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		record.PosixError = errno.Error()
	}
	return record
}

// findBaseError unwraps an error chain to find the most basic underlying error
func findBaseError(err error) error {
	for err != nil {
		if unwrapInterface, ok := err.(interface{ Unwrap() []error }); ok {
			errs := unwrapInterface.Unwrap()
			if len(errs) > 0 {
				// The last joined error is usually the most specific one.
				err = errs[len(errs)-1]
				continue
			}
		}
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
	return err
}

func newTCPTraceDialer(
	onDial func(ctx context.Context, network, addr string, connErr error),
	onDialStart func(ctx context.Context, network, addr string),
) transport.StreamDialer {
	dialer := &transport.TCPDialer{}
	return transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
			ConnectStart: func(network, addr string) {
				onDialStart(ctx, network, addr)
			},
			ConnectDone: func(network, addr string, connErr error) {
				onDial(ctx, network, addr, connErr)
			},
		})
		return dialer.DialStream(ctx, addr)
	})
}

// CheckPort dials host:port through the given transport config (empty for a
// direct connection) and reports whether the connection was established. The
// returned error is reserved for an invalid transport config.
func CheckPort(ctx context.Context, transportConfig, host string, port int, timeout time.Duration) (Report, error) {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	var (
		mu           sync.Mutex
		connectStart = make(map[string]time.Time)
		tcpReports   = make([]tcpReport, 0)
	)

	configToDialer := configurl.NewDefaultConfigToDialer()
	configToDialer.BaseStreamDialer = transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		hostname, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		onDialStart := func(ctx context.Context, network, addr string) {
			mu.Lock()
			connectStart[network+"|"+addr] = time.Now()
			mu.Unlock()
		}
		onDial := func(ctx context.Context, network, addr string, connErr error) {
			ip, port, err := net.SplitHostPort(addr)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			start := connectStart[network+"|"+addr]
			report := tcpReport{
				Hostname: hostname,
				IP:       ip,
				Port:     port,
				Time:     start.UTC().Truncate(time.Second),
				Duration: time.Since(start).Milliseconds(),
			}
			if connErr != nil {
				report.Error = connErr.Error()
			}
			tcpReports = append(tcpReports, report)
		}
		return newTCPTraceDialer(onDial, onDialStart).DialStream(ctx, addr)
	})

	dialer, err := configToDialer.NewStreamDialer(transportConfig)
	if err != nil {
		return Report{}, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	startTime := time.Now()
	conn, dialErr := dialer.DialStream(ctx, target)
	if dialErr == nil {
		conn.Close()
	}

	mu.Lock()
	defer mu.Unlock()
	return Report{
		Target:         target,
		Transport:      transportConfig,
		Time:           startTime.UTC().Truncate(time.Second),
		DurationMs:     time.Since(startTime).Milliseconds(),
		Error:          makeErrorRecord(dialErr),
		TCPConnections: tcpReports,
	}, nil
}
