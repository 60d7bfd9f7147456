// File: server/server.go
// Author: momentics <momentics@gmail.com>
//
// Server is the facade wiring an Acceptor to a LoopPool, grounded on
// original_source/TcpServer.cc and the Config/DefaultConfig pattern used
// elsewhere in this codebase's facade layer. It owns the connection map
// and is the only component allowed to call Connection.ConnectEstablished
// / ConnectDestroyed.
package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/reactorcore/acceptor"
	"github.com/momentics/reactorcore/affinity"
	"github.com/momentics/reactorcore/buffer"
	"github.com/momentics/reactorcore/conn"
	"github.com/momentics/reactorcore/control"
	"github.com/momentics/reactorcore/eventloop"
	"github.com/momentics/reactorcore/internal/xlog"
	"github.com/momentics/reactorcore/netaddr"
	"github.com/momentics/reactorcore/sockopt"
)

// Config holds everything needed to start a Server. Callers are expected
// to start from DefaultConfig and override individual fields.
type Config struct {
	// Name identifies this server in connection names and log lines.
	Name string
	// Addr is the "host:port" string to listen on. An empty host binds
	// all interfaces; port 0 picks an ephemeral port.
	Addr string
	// ReusePort enables SO_REUSEPORT on the listening socket.
	ReusePort bool
	// ThreadNum is the number of I/O worker loops in the pool. 0 means
	// every connection is handled on the base (acceptor) loop.
	ThreadNum int
	// PinWorkers, when true, pins each worker loop's goroutine to a
	// distinct logical CPU via affinity.SetAffinity.
	PinWorkers bool
	// HighWaterMark is the per-connection output-buffer byte threshold
	// past which the high-water-mark callback fires.
	HighWaterMark int
}

// DefaultConfig returns a Config with conservative defaults: no extra
// worker threads, no CPU pinning, and the original's 64 MiB high-water mark.
func DefaultConfig(name, addr string) Config {
	return Config{
		Name:          name,
		Addr:          addr,
		ThreadNum:     0,
		HighWaterMark: 64 * 1024 * 1024,
	}
}

// Server accepts connections on a base EventLoop and distributes them
// round robin across a pool of worker EventLoops.
type Server struct {
	config   Config
	baseLoop *eventloop.EventLoop
	acceptor *acceptor.Acceptor
	pool     *eventloop.LoopPool

	started atomic.Bool

	mu          sync.Mutex
	connections map[string]*conn.Connection
	nextConnID  uint64

	connectionCallback    func(*conn.Connection)
	messageCallback       func(*conn.Connection, *buffer.Buffer, time.Time)
	writeCompleteCallback func(*conn.Connection)
	highWaterMarkCallback func(*conn.Connection, int)
	threadInitCallback    func(workerIndex int, loop *eventloop.EventLoop)

	debug   *control.DebugProbes
	metrics *control.MetricsRegistry
}

// New creates a Server bound to baseLoop, listening on cfg.Addr once
// Start is called. baseLoop also drives the Acceptor and is the loop
// from which connection bookkeeping (the map in particular) is mutated.
func New(baseLoop *eventloop.EventLoop, cfg Config) (*Server, error) {
	addr, err := netaddr.Resolve(cfg.Addr)
	if err != nil {
		return nil, err
	}
	acc, err := acceptor.New(baseLoop, addr, cfg.ReusePort)
	if err != nil {
		return nil, err
	}

	pool := eventloop.NewLoopPool(baseLoop)
	pool.SetThreadNum(cfg.ThreadNum)

	s := &Server{
		config:      cfg,
		baseLoop:    baseLoop,
		acceptor:    acc,
		pool:        pool,
		connections: make(map[string]*conn.Connection),
		debug:       control.NewDebugProbes(),
		metrics:     control.NewMetricsRegistry(),
	}
	control.RegisterPlatformProbes(s.debug)
	s.registerProbes()
	acc.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

// SetConnectionCallback installs the callback forwarded to every
// Connection's connection callback.
func (s *Server) SetConnectionCallback(cb func(*conn.Connection)) { s.connectionCallback = cb }

// SetMessageCallback installs the callback forwarded to every
// Connection's message callback.
func (s *Server) SetMessageCallback(cb func(*conn.Connection, *buffer.Buffer, time.Time)) {
	s.messageCallback = cb
}

// SetWriteCompleteCallback installs the callback forwarded to every
// Connection's write-complete callback.
func (s *Server) SetWriteCompleteCallback(cb func(*conn.Connection)) {
	s.writeCompleteCallback = cb
}

// SetHighWaterMarkCallback installs the callback forwarded to every
// Connection's high-water-mark callback, and the per-connection
// output-buffer byte threshold that triggers it, overriding
// Config.HighWaterMark. Without this, exceeding the threshold only logs.
func (s *Server) SetHighWaterMarkCallback(cb func(*conn.Connection, int), highWaterMark int) {
	s.highWaterMarkCallback = cb
	s.config.HighWaterMark = highWaterMark
}

// SetThreadInitCallback installs a callback run on each worker loop's own
// thread, right after its EventLoop is constructed and before it starts
// polling, forwarded into LoopPool.SetWorkerInit. When Config.PinWorkers
// is also set, CPU-affinity pinning runs first so the callback observes
// its final core.
func (s *Server) SetThreadInitCallback(cb func(workerIndex int, loop *eventloop.EventLoop)) {
	s.threadInitCallback = cb
}

// Debug exposes the server's debug-probe registry, for tests and
// operator tooling that want to dump live internals.
func (s *Server) Debug() *control.DebugProbes { return s.debug }

// Metrics exposes the server's metrics registry.
func (s *Server) Metrics() *control.MetricsRegistry { return s.metrics }

// Addr returns the address the listening socket is actually bound to.
// The socket is bound in New, so an ephemeral port is already known
// before Start.
func (s *Server) Addr() (netaddr.Address, error) { return s.acceptor.Addr() }

// ConnectionCount returns the number of currently tracked connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Start spins up the worker pool and begins listening. Calling Start
// more than once is a no-op, matching TcpServer::start's started_ guard.
func (s *Server) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	if s.config.PinWorkers || s.threadInitCallback != nil {
		s.pool.SetWorkerInit(func(workerIndex int, loop *eventloop.EventLoop) {
			if s.config.PinWorkers {
				if err := affinity.SetAffinity(workerIndex); err != nil {
					xlog.Errorf("server: %s - pin worker %d: %v", s.config.Name, workerIndex, err)
				}
			}
			if s.threadInitCallback != nil {
				s.threadInitCallback(workerIndex, loop)
			}
		})
	}
	s.baseLoop.RunInLoop(func() {
		s.pool.Start()
		if err := s.acceptor.Listen(); err != nil {
			xlog.Fatalf("server: %s - listen: %v", s.config.Name, err)
		}
		xlog.Info("server: %s - listening on %s", s.config.Name, s.config.Addr)
	})
}

// Stop closes the listening socket and asks every live connection to
// shut down gracefully. It does not stop the worker loops themselves;
// callers own their EventLoops' lifetimes and should Quit them once
// ConnectionCount reaches 0.
func (s *Server) Stop() {
	s.baseLoop.RunInLoop(func() {
		s.acceptor.Close()
		s.mu.Lock()
		live := make([]*conn.Connection, 0, len(s.connections))
		for _, c := range s.connections {
			live = append(live, c)
		}
		s.mu.Unlock()
		for _, c := range live {
			c.Shutdown()
		}
	})
}

// newConnection is Acceptor's new-connection callback. It runs on the
// base loop's thread.
func (s *Server) newConnection(sockFD int, peer netaddr.Address) {
	s.baseLoop.AssertInLoopThread()

	local, err := sockopt.GetSockName(sockFD)
	if err != nil {
		xlog.Errorf("server: %s - getsockname: %v", s.config.Name, err)
		sockopt.Close(sockFD)
		return
	}

	s.mu.Lock()
	s.nextConnID++
	name := fmt.Sprintf("%s-%s#%d", s.config.Name, local, s.nextConnID)
	s.mu.Unlock()

	ioLoop := s.pool.NextLoop()
	c := conn.New(ioLoop, name, sockFD, local, peer)
	c.SetConnectionCallback(s.connectionCallback)
	c.SetMessageCallback(s.messageCallback)
	c.SetWriteCompleteCallback(s.writeCompleteCallback)
	c.SetHighWaterMarkCallback(func(cn *conn.Connection, queued int) {
		if s.highWaterMarkCallback != nil {
			s.highWaterMarkCallback(cn, queued)
			return
		}
		xlog.Errorf("server: %s - connection %s exceeded high water mark (%d bytes queued)", s.config.Name, cn.Name(), queued)
	}, s.config.HighWaterMark)
	c.SetCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[name] = c
	s.mu.Unlock()
	s.metrics.Set("server.connections.accepted.last", name)

	ioLoop.RunInLoop(c.ConnectEstablished)
}

// removeConnection is a Connection's close callback, invoked from the
// connection's own I/O loop thread. It hops back to the base loop to
// mutate the shared connection map, then hops back to the connection's
// own loop to finish tearing it down, exactly mirroring
// TcpServer::removeConnection / removeConnectionInLoop's two-hop dance.
func (s *Server) removeConnection(c *conn.Connection) {
	s.baseLoop.RunInLoop(func() { s.removeConnectionInLoop(c) })
}

func (s *Server) removeConnectionInLoop(c *conn.Connection) {
	s.baseLoop.AssertInLoopThread()
	s.mu.Lock()
	delete(s.connections, c.Name())
	s.mu.Unlock()
	s.metrics.Set("server.connections.removed.last", c.Name())
	c.Loop().QueueInLoop(c.ConnectDestroyed)
}

func (s *Server) registerProbes() {
	s.debug.RegisterProbe(fmt.Sprintf("server.%s.connections", s.config.Name), func() any {
		return s.ConnectionCount()
	})
	s.debug.RegisterProbe(fmt.Sprintf("server.%s.loops", s.config.Name), func() any {
		loops := s.pool.AllLoops()
		out := make([]map[string]any, 0, len(loops))
		for _, l := range loops {
			out = append(out, map[string]any{
				"iteration": l.Iteration(),
				"lastPoll":  l.LastPoll(),
			})
		}
		return out
	})
}
