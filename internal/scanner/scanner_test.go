package scanner

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeEngine starts a local unix-socket server that speaks just enough
// of the INSTREAM protocol to validate the client's framing and to
// return a scripted reply.
func fakeEngine(t *testing.T, reply string) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "clamd.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		cmd := make([]byte, len("zINSTREAM\x00"))
		if _, err := io.ReadFull(r, cmd); err != nil {
			return
		}

		for {
			var lenBuf [4]byte
			if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(lenBuf[:])
			if n == 0 {
				break
			}
			if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
				return
			}
		}

		_, _ = conn.Write([]byte(reply))
	}()

	return sockPath
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestScanClean(t *testing.T) {
	sock := fakeEngine(t, "stream: OK\n")
	path := writeTempFile(t, "hello world")

	report, err := New(sock).Scan(path)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Result != Clean {
		t.Fatalf("expected Clean, got %v", report.Result)
	}
}

func TestScanInfected(t *testing.T) {
	sock := fakeEngine(t, "stream: Win.Test.EICAR_HDB-1 FOUND\n")
	path := writeTempFile(t, "X5O!P%@AP[4\\PZX54(P^)7CC)7}$EICAR")

	report, err := New(sock).Scan(path)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Result != Infected {
		t.Fatalf("expected Infected, got %v", report.Result)
	}
	if report.ThreatName != "Win.Test.EICAR_HDB-1" {
		t.Fatalf("unexpected threat name: %q", report.ThreatName)
	}
}

func TestScanError(t *testing.T) {
	sock := fakeEngine(t, "stream: UNKNOWN COMMAND ERROR\n")
	path := writeTempFile(t, "irrelevant")

	report, err := New(sock).Scan(path)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Result != ScannerError {
		t.Fatalf("expected ScannerError, got %v", report.Result)
	}
}

func TestScanUnreachableEngine(t *testing.T) {
	path := writeTempFile(t, "irrelevant")
	_, err := New(filepath.Join(t.TempDir(), "no-such.sock")).Scan(path)
	if err == nil {
		t.Fatal("expected transport error for unreachable engine")
	}
}

func TestParseReplyTruncatesLongThreatName(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'a'
	}
	reply := "stream: " + string(long) + " FOUND\n"

	report, err := parseReply([]byte(reply))
	if err != nil {
		t.Fatalf("parseReply: %v", err)
	}
	if len(report.ThreatName) != 255 {
		t.Fatalf("expected truncated threat name of 255 bytes, got %d", len(report.ThreatName))
	}
}

func TestPingTimeout(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "no-such.sock"))
	start := time.Now()
	if c.Ping() {
		t.Fatal("expected ping to fail against nonexistent socket")
	}
	if time.Since(start) > dialTimeout+time.Second {
		t.Fatal("ping took unexpectedly long")
	}
}
