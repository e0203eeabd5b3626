package ipc

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/des-testbed/etxd/internal/neighbor"
	"github.com/des-testbed/etxd/internal/util"
)

const (
	errInvalidSyntax = "INVALID SYNTAX"

	requestTimeout = 5 * time.Second
	maxRequestLine = 512
)

// Server answers line-oriented link-quality queries over TCP. One
// request per connection, newline terminated, verb matched
// case-insensitively:
//
//	NEIGHBORS [iface]   iface:mac:etx per neighbor with a defined ETX
//	MAC                 iface|mac|ip|etx per neighbor with a known IP
//	QUALITY <mac>       mac:probability per interface
//	ETX <mac>           mac:etx per interface
//
// Consumers are routing frameworks on the same node, so the server
// binds to loopback by default.
type Server struct {
	addr   string
	table  *neighbor.Table
	logger util.Logger

	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(addr string, table *neighbor.Table, logger util.Logger) *Server {
	return &Server{
		addr:   addr,
		table:  table,
		logger: logger,
	}
}

// Start begins accepting connections. The listener closes when ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info("ipc server listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error("ipc accept failed", "error", err)
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(conn)
			}()
		}
	}()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Wait blocks until all connection handlers have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(requestTimeout))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxRequestLine), maxRequestLine)
	if !scanner.Scan() {
		return
	}
	lines := s.Respond(scanner.Text(), time.Now())
	writer := bufio.NewWriter(conn)
	for _, line := range lines {
		_, _ = writer.WriteString(line)
		_ = writer.WriteByte('\n')
	}
	_ = writer.Flush()
}

// Respond evaluates one request line against current table state and
// returns the response lines.
func (s *Server) Respond(request string, now time.Time) []string {
	fields := strings.Fields(request)
	if len(fields) == 0 {
		return []string{errInvalidSyntax}
	}
	switch strings.ToUpper(fields[0]) {
	case "NEIGHBORS":
		if len(fields) > 1 {
			return s.neighborLines(s.table.Neighbors(fields[1], now))
		}
		return s.neighborLines(s.table.All(now))
	case "MAC":
		return s.macLines(s.table.All(now))
	case "QUALITY":
		if len(fields) < 2 {
			return []string{errInvalidSyntax}
		}
		return s.lookupLines(fields[1], now, false)
	case "ETX":
		if len(fields) < 2 {
			return []string{errInvalidSyntax}
		}
		return s.lookupLines(fields[1], now, true)
	default:
		return []string{errInvalidSyntax}
	}
}

func (s *Server) neighborLines(infos []neighbor.Info) []string {
	var lines []string
	for _, info := range infos {
		if !info.Defined {
			continue
		}
		lines = append(lines, info.Iface+":"+info.Addr.String()+":"+formatFloat(info.ETX))
	}
	return lines
}

func (s *Server) macLines(infos []neighbor.Info) []string {
	var lines []string
	for _, info := range infos {
		if !info.Defined || info.IP == nil {
			continue
		}
		lines = append(lines, info.Iface+"|"+info.Addr.String()+"|"+info.IP.String()+"|"+formatFloat(info.ETX))
	}
	return lines
}

func (s *Server) lookupLines(raw string, now time.Time, etx bool) []string {
	addr, err := net.ParseMAC(raw)
	if err != nil || len(addr) != 6 {
		return []string{errInvalidSyntax}
	}
	var lines []string
	for _, info := range s.table.Lookup(addr, now) {
		if !info.Defined {
			continue
		}
		value := info.Probability
		if etx {
			value = info.ETX
		}
		lines = append(lines, info.Addr.String()+":"+formatFloat(value))
	}
	return lines
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
