// Package redisstub implements a tiny RESP2 server covering the Redis stream
// commands the relay exports events with and the counter commands used by
// the shared rate limiter.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Options configures the stub. An empty Password disables AUTH.
type Options struct {
	Password string
}

// Entry is a single stream record as stored by the stub.
type Entry struct {
	ID     string
	Values map[string]string
}

type Server struct {
	opts     Options
	listener net.Listener
	mu       sync.Mutex
	streams  map[string][]Entry
	counters map[string]int64
	expiry   map[string]time.Time
	seq      int64
	commands []string
	closed   chan struct{}
}

// Start listens on an ephemeral loopback port.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		streams:  make(map[string][]Entry),
		counters: make(map[string]int64),
		expiry:   make(map[string]time.Time),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Entries returns a copy of the records appended to stream, oldest first.
func (s *Server) Entries(stream string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.streams[stream]))
	copy(out, s.streams[stream])
	return out
}

// Commands returns the upper-cased names of every command received.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()

		var werr error
		switch cmd {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "HELLO":
			// RESP3 is not implemented; clients fall back to RESP2 + AUTH.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "AUTH":
			password := ""
			if len(args) >= 2 {
				password = args[len(args)-1]
			}
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "SELECT", "CLIENT":
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "XADD":
		return s.handleXAdd(writer, args)
	case "XLEN":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'xlen'")
		}
		s.mu.Lock()
		n := len(s.streams[args[1]])
		s.mu.Unlock()
		return writeInteger(writer, int64(n))
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		s.mu.Lock()
		s.expireLocked(args[1])
		s.counters[args[1]]++
		n := s.counters[args[1]]
		s.mu.Unlock()
		return writeInteger(writer, n)
	case "EXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		s.mu.Lock()
		s.expireLocked(args[1])
		_, exists := s.counters[args[1]]
		if exists {
			s.expiry[args[1]] = time.Now().Add(time.Duration(seconds) * time.Second)
		}
		s.mu.Unlock()
		if !exists {
			return writeInteger(writer, 0)
		}
		return writeInteger(writer, 1)
	case "TTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'")
		}
		s.mu.Lock()
		s.expireLocked(args[1])
		_, exists := s.counters[args[1]]
		deadline, hasExpiry := s.expiry[args[1]]
		s.mu.Unlock()
		switch {
		case !exists:
			return writeInteger(writer, -2)
		case !hasExpiry:
			return writeInteger(writer, -1)
		default:
			remaining := time.Until(deadline).Round(time.Second)
			return writeInteger(writer, int64(remaining/time.Second))
		}
	default:
		return writeError(writer, "ERR unsupported command")
	}
}

// Counter returns the current value of an INCR key.
func (s *Server) Counter(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	return s.counters[key]
}

func (s *Server) expireLocked(key string) {
	if deadline, ok := s.expiry[key]; ok && !time.Now().Before(deadline) {
		delete(s.counters, key)
		delete(s.expiry, key)
	}
}

// handleXAdd supports XADD key [NOMKSTREAM] [MAXLEN [=|~] n] id field value...
func (s *Server) handleXAdd(writer *bufio.Writer, args []string) error {
	if len(args) < 5 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	stream := args[1]
	maxLen := -1
	i := 2
	for i < len(args) {
		token := strings.ToUpper(args[i])
		if token == "NOMKSTREAM" {
			i++
			continue
		}
		if token != "MAXLEN" {
			break
		}
		i++
		if i < len(args) && (args[i] == "~" || args[i] == "=") {
			i++
		}
		if i >= len(args) {
			return writeError(writer, "ERR syntax error")
		}
		n, err := strconv.Atoi(args[i])
		if err != nil || n < 0 {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		maxLen = n
		i++
	}
	if i >= len(args) || (len(args)-i-1)%2 != 0 || len(args)-i-1 == 0 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	id := args[i]
	values := make(map[string]string)
	for j := i + 1; j+1 < len(args); j += 2 {
		values[args[j]] = args[j+1]
	}

	s.mu.Lock()
	if id == "*" {
		s.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	}
	entries := append(s.streams[stream], Entry{ID: id, Values: values})
	if maxLen >= 0 && len(entries) > maxLen {
		entries = append([]Entry(nil), entries[len(entries)-maxLen:]...)
	}
	s.streams[stream] = entries
	s.mu.Unlock()
	return writeBulkString(writer, id)
}

func readArray(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("expected array, got %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(header) == 0 || header[0] != '$' {
			return nil, fmt.Errorf("expected bulk string, got %q", header)
		}
		size, err := strconv.Atoi(header[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeSimpleString(w *bufio.Writer, s string) error {
	if _, err := w.WriteString("+" + s + "\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := w.WriteString("-" + msg + "\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, v int64) error {
	if _, err := w.WriteString(":" + strconv.FormatInt(v, 10) + "\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, s string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s); err != nil {
		return err
	}
	return w.Flush()
}
