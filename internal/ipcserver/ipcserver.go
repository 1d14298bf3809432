// Package ipcserver is the local NDJSON IPC channel (C6) a desktop UI
// uses to subscribe to scan events and issue restore/delete/sync/
// history commands.
//
// Transport is a Unix stream socket at a well-known path, mode 0666 —
// local-only reach is the security argument, not network ACLs. Framing
// is newline-delimited JSON in both directions. Grounded on spec.md
// §4.6; the broadcast fan-out shape echoes the teacher's alert
// dispatcher (iterate connected destinations, fire-and-log per
// destination) adapted from HTTP push to local-socket writes.
package ipcserver

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel/sentineld/internal/history"
	"github.com/sentinel/sentineld/internal/metrics"
	"github.com/sentinel/sentineld/internal/quarantine"
)

const (
	// maxClients bounds simultaneous connections; excess are closed
	// immediately on accept.
	maxClients = 32

	// maxFrameSize is the NDJSON line size limit including the terminator.
	maxFrameSize = 4096

	timeLayout = "2006-01-02T15:04:05"
)

// Event is a daemon-to-client broadcast message.
type Event struct {
	Event     string `json:"event"`
	ID        string `json:"id,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Threat    string `json:"threat,omitempty"`
	Verdict   string `json:"verdict,omitempty"`
	Details   string `json:"details,omitempty"`
	Count     int    `json:"count,omitempty"`
	Timestamp string `json:"timestamp"`
}

func now() string {
	return time.Now().Format(timeLayout)
}

// command is a client-to-daemon request.
type command struct {
	Action string `json:"action"`
	ID     string `json:"id"`
	Limit  int    `json:"limit"`
}

// Server accepts local IPC connections and serves the command protocol.
type Server struct {
	socketPath string
	quarant    *quarantine.Store
	hist       *history.Store
	metrics    *metrics.Registry
	log        *zap.SugaredLogger

	mu      sync.Mutex
	clients map[net.Conn]struct{}
}

// New builds an IPC server bound to socketPath (not yet listening).
// hist and m may be nil, disabling the history command and
// client-count instrumentation respectively.
func New(socketPath string, quarant *quarantine.Store, hist *history.Store, m *metrics.Registry, log *zap.SugaredLogger) *Server {
	return &Server{
		socketPath: socketPath,
		quarant:    quarant,
		hist:       hist,
		metrics:    m,
		log:        log,
		clients:    make(map[net.Conn]struct{}),
	}
}

// Run listens and serves connections until stop is closed. Closing stop
// triggers an orderly shutdown: a best-effort status broadcast, then
// closing the listener and all client connections.
func (s *Server) Run(stop <-chan struct{}) error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipcserver: listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o666); err != nil {
		_ = ln.Close()
		return fmt.Errorf("ipcserver: chmod %s: %w", s.socketPath, err)
	}

	go func() {
		<-stop
		s.broadcastEvent(Event{Event: "status", Details: "shutting down", Timestamp: now()})
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				s.closeAll()
				return nil
			default:
				return fmt.Errorf("ipcserver: accept: %w", err)
			}
		}
		s.acceptConn(conn)
	}
}

func (s *Server) acceptConn(conn net.Conn) {
	s.mu.Lock()
	if len(s.clients) >= maxClients {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.IPCClients.Inc()
	}

	go s.serveConn(conn)
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.removeClient(conn)

	reader := bufio.NewReaderSize(conn, maxFrameSize)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if len(line) > maxFrameSize {
			s.log.Warnw("ipc frame exceeded limit, discarding", "size", len(line))
			continue
		}

		var cmd command
		if err := json.Unmarshal([]byte(line), &cmd); err != nil || cmd.Action == "" {
			s.log.Warnw("ipc malformed or missing action, ignoring", "error", err)
			continue
		}
		s.dispatch(conn, cmd)
	}
}

func (s *Server) dispatch(conn net.Conn, cmd command) {
	switch cmd.Action {
	case "sync_state":
		s.handleSyncState(conn)
	case "restore":
		s.handleRestore(cmd.ID)
	case "delete":
		s.handleDelete(cmd.ID)
	case "history":
		s.handleHistory(conn, cmd.Limit)
	default:
		s.log.Warnw("ipc unknown action, ignoring", "action", cmd.Action)
	}
}

func (s *Server) handleSyncState(conn net.Conn) {
	entries := s.quarant.List()
	for _, e := range entries {
		s.writeTo(conn, Event{
			Event:     "sync_entry",
			ID:        e.ID,
			Filename:  e.OriginalPath,
			Threat:    e.ThreatName,
			Timestamp: now(),
		})
	}
	// The original implementation always reports a literal 0 here
	// regardless of entry count; we emit the true count but readers
	// must still accept 0 from older peers.
	s.writeTo(conn, Event{Event: "sync_complete", Count: len(entries), Timestamp: now()})
}

// handleHistory answers "what has this daemon ever done with this
// path" (spec.md §4.9) by replaying recent ledger events to the
// requesting client, newest first, then a history_complete marker.
// A nil history store (history disabled) reports zero entries.
func (s *Server) handleHistory(conn net.Conn, limit int) {
	if s.hist == nil {
		s.writeTo(conn, Event{Event: "history_complete", Count: 0, Timestamp: now()})
		return
	}

	events, err := s.hist.Recent(limit)
	if err != nil {
		s.log.Warnw("ipc history query failed", "error", err)
		s.writeTo(conn, Event{Event: "history_complete", Count: 0, Timestamp: now()})
		return
	}

	for _, ev := range events {
		s.writeTo(conn, Event{
			Event:     "history_entry",
			Filename:  ev.Path,
			Verdict:   string(ev.Verdict),
			Threat:    ev.ThreatName,
			ID:        ev.QuarantineID,
			Timestamp: ev.Timestamp.Format(timeLayout),
		})
	}
	s.writeTo(conn, Event{Event: "history_complete", Count: len(events), Timestamp: now()})
}

func (s *Server) handleRestore(id string) {
	if id == "" {
		s.log.Warnw("ipc restore missing id, ignoring")
		return
	}
	if err := s.quarant.Restore(id); err != nil {
		s.log.Warnw("ipc restore failed", "id", id, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.QuarantineEntries.Dec()
	}
	s.broadcastEvent(Event{Event: "restore", ID: id, Timestamp: now()})
}

func (s *Server) handleDelete(id string) {
	if id == "" {
		s.log.Warnw("ipc delete missing id, ignoring")
		return
	}
	if err := s.quarant.Delete(id); err != nil {
		s.log.Warnw("ipc delete failed", "id", id, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.QuarantineEntries.Dec()
	}
	s.broadcastEvent(Event{Event: "delete", ID: id, Timestamp: now()})
}

// Broadcast announces a verdict to every connected client. It satisfies
// pipeline.Broadcaster.
func (s *Server) Broadcast(event, filename, threat, details string) {
	s.broadcastEvent(Event{
		Event:     event,
		Filename:  filename,
		Threat:    threat,
		Details:   details,
		Timestamp: now(),
	})
}

// broadcastEvent writes ev, newline-terminated, to every connected
// client. Per-client write failures close that client's slot; they
// never stop delivery to the rest.
func (s *Server) broadcastEvent(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Errorw("ipc marshal broadcast failed", "error", err)
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if _, err := c.Write(data); err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.removeClient(c)
				continue
			}
			s.removeClient(c)
		}
	}
}

func (s *Server) writeTo(conn net.Conn, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		s.removeClient(conn)
	}
}

func (s *Server) removeClient(conn net.Conn) {
	s.mu.Lock()
	_, existed := s.clients[conn]
	delete(s.clients, conn)
	s.mu.Unlock()
	if existed && s.metrics != nil {
		s.metrics.IPCClients.Dec()
	}
	_ = conn.Close()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	for c := range s.clients {
		delete(s.clients, c)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IPCClients.Sub(float64(len(conns)))
	}
	for _, c := range conns {
		_ = c.Close()
	}
}
