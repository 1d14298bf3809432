// Package scanner is the antivirus streaming protocol client (C1).
//
// Each scan opens a short-lived connection to the AV engine and speaks
// its INSTREAM protocol: the daemon reads the target file itself and
// streams length-prefixed chunks, rather than asking the engine to open
// the path — this avoids permission-domain mismatches between the
// daemon (root) and the engine (its own service account). Grounded on
// the ClamAV clamd wire protocol; see original_source/daemon/src/scanner.c
// for the PING/PONG liveness check this client also implements, and
// spec.md §4.1 for the INSTREAM redesign (the original C source used
// the path-based SCAN command instead).
package scanner

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

// DefaultSocketPath is the typical packaged install location for clamd.
const DefaultSocketPath = "/var/run/clamav/clamd.ctl"

const (
	chunkSize      = 8 * 1024
	responseCap    = 4096
	dialTimeout    = 5 * time.Second
	commandTimeout = 30 * time.Second
)

// Result is the tagged scan outcome, distinct from transport failures.
type Result int

const (
	Clean Result = iota
	Infected
	ScannerError
)

func (r Result) String() string {
	switch r {
	case Clean:
		return "clean"
	case Infected:
		return "infected"
	case ScannerError:
		return "scanner_error"
	default:
		return "unknown"
	}
}

// Report is the parsed scanner verdict.
type Report struct {
	Result     Result
	ThreatName string
}

// TransportError indicates the engine could not be reached or its reply
// could not be parsed into a known verdict. It is distinct from a
// ScannerError verdict, which is a verdict the engine itself reported.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("scanner transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client streams file contents to an AV engine over a local stream
// socket and parses its textual verdict.
type Client struct {
	address string // filesystem path of the engine's local socket
}

// New creates a scanner client targeting the engine's socket address.
func New(address string) *Client {
	if address == "" {
		address = DefaultSocketPath
	}
	return &Client{address: address}
}

// Scan streams path's contents to the engine and returns its verdict.
// The daemon opens the file itself; the engine never receives a path.
func (c *Client) Scan(path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, &TransportError{Op: "open", Err: err}
	}
	defer f.Close()

	conn, err := net.DialTimeout("unix", c.address, dialTimeout)
	if err != nil {
		return Report{}, &TransportError{Op: "dial", Err: err}
	}
	defer conn.Close()

	if err := c.stream(conn, f); err != nil {
		return Report{}, err
	}

	reply, err := readCapped(conn, responseCap)
	if err != nil && len(reply) == 0 {
		return Report{}, &TransportError{Op: "read reply", Err: err}
	}

	return parseReply(reply)
}

// stream sends the INSTREAM command, the file in 4-byte-length-prefixed
// chunks, and the zero-length terminator.
func (c *Client) stream(conn net.Conn, f *os.File) error {
	if deadline, ok := conn.(interface{ SetDeadline(time.Time) error }); ok {
		_ = deadline.SetDeadline(time.Now().Add(commandTimeout))
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return &TransportError{Op: "write command", Err: err}
	}

	buf := make([]byte, chunkSize)
	var prefix [4]byte
	for {
		n, err := f.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(prefix[:], uint32(n))
			if _, werr := conn.Write(prefix[:]); werr != nil {
				return &TransportError{Op: "write length prefix", Err: werr}
			}
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return &TransportError{Op: "write chunk", Err: werr}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return &TransportError{Op: "read file", Err: err}
		}
	}

	binary.BigEndian.PutUint32(prefix[:], 0)
	if _, err := conn.Write(prefix[:]); err != nil {
		return &TransportError{Op: "write terminator", Err: err}
	}
	return nil
}

// readCapped reads from r until EOF or cap bytes have been read.
func readCapped(r io.Reader, cap int) ([]byte, error) {
	var buf bytes.Buffer
	lr := io.LimitReader(r, int64(cap))
	_, err := io.Copy(&buf, lr)
	return buf.Bytes(), err
}

// parseReply locates " OK", " FOUND", or " ERROR" in the textual reply.
// FOUND takes priority: the threat name is the substring beginning after
// the first ": " and ending at " FOUND", truncated to 255 bytes.
func parseReply(reply []byte) (Report, error) {
	s := string(reply)

	if idx := strings.Index(s, " FOUND"); idx >= 0 {
		name := extractThreatName(s, idx)
		return Report{Result: Infected, ThreatName: name}, nil
	}
	if strings.Contains(s, " OK") {
		return Report{Result: Clean}, nil
	}
	if strings.Contains(s, " ERROR") {
		return Report{Result: ScannerError}, nil
	}
	return Report{}, &TransportError{Op: "parse reply", Err: fmt.Errorf("unrecognized reply: %q", s)}
}

func extractThreatName(s string, foundIdx int) string {
	name := s
	if colon := strings.Index(s, ": "); colon >= 0 && colon+2 <= foundIdx {
		name = s[colon+2 : foundIdx]
	} else {
		name = s[:foundIdx]
	}
	name = strings.TrimSpace(name)
	if len(name) > 255 {
		name = name[:255]
	}
	return name
}

// Ping checks engine liveness with a lightweight PING/PONG round trip.
func (c *Client) Ping() bool {
	conn, err := net.DialTimeout("unix", c.address, dialTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("PING\n")); err != nil {
		return false
	}
	reply, err := readCapped(conn, 64)
	if err != nil && len(reply) == 0 {
		return false
	}
	return strings.Contains(string(reply), "PONG")
}
