// Package api exposes the read-only dashboard: a small JSON API over the
// store and risk book plus a WebSocket that re-broadcasts bus events.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"polyladder/internal/bus"
	"polyladder/internal/risk"
	"polyladder/internal/storage"
)

// Status is exported on /api/status and pushed on WS status changes.
type Status struct {
	Mode             string    `json:"mode"`
	WSConnected      bool      `json:"wsConnected"`
	ActiveMarkets    int       `json:"activeMarkets"`
	CashBalance      float64   `json:"cashBalance"`
	ProtectedProfits float64   `json:"protectedProfits"`
	StartedAt        time.Time `json:"startedAt"`
}

// ActiveCounter reports the size of the active market set.
type ActiveCounter interface {
	ActiveMarkets() []string
}

// Server is the dashboard HTTP+WS server.
type Server struct {
	store  *storage.Database
	risk   *risk.Manager
	bus    *bus.Bus
	active ActiveCounter
	mode   string
	port   int

	mu          sync.Mutex
	wsConnected bool
	clients     map[*websocket.Conn]bool
	startedAt   time.Time
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewServer builds the dashboard server.
func NewServer(store *storage.Database, rm *risk.Manager, b *bus.Bus, active ActiveCounter, mode string, port int) *Server {
	return &Server{
		store:     store,
		risk:      rm,
		bus:       b,
		active:    active,
		mode:      mode,
		port:      port,
		clients:   make(map[*websocket.Conn]bool),
		startedAt: time.Now(),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handlePositions)
		api.GET("/trades", s.handleTrades)
		api.GET("/pnl", s.handlePnl)
		api.GET("/markets", s.handleMarkets)
	}
	r.GET("/ws", s.handleWS)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: r,
	}

	go s.rebroadcast(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	log.Info().Int("port", s.port).Msg("dashboard listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(c *gin.Context) {
	s.mu.Lock()
	connected := s.wsConnected
	s.mu.Unlock()
	c.JSON(http.StatusOK, Status{
		Mode:             s.mode,
		WSConnected:      connected,
		ActiveMarkets:    len(s.active.ActiveMarkets()),
		CashBalance:      s.risk.CashBalance(),
		ProtectedProfits: s.risk.ProtectedProfits(),
		StartedAt:        s.startedAt,
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.risk.Positions())
}

func (s *Server) handleTrades(c *gin.Context) {
	trades, err := s.store.RecentTrades(200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) handlePnl(c *gin.Context) {
	snap := s.risk.Snapshot(nil, time.Now())
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleMarkets(c *gin.Context) {
	markets, err := s.store.GetMarkets()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, markets)
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	// Reader goroutine exists only to detect close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.mu.Lock()
				delete(s.clients, conn)
				s.mu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}

type wsFrame struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// rebroadcast fans bus events out to dashboard clients.
func (s *Server) rebroadcast(ctx context.Context) {
	execCh := s.bus.Subscribe(bus.TopicExecution, 64)
	portCh := s.bus.Subscribe(bus.TopicPortfolioUpdate, 16)
	statCh := s.bus.Subscribe(bus.TopicWSStatus, 16)
	stratCh := s.bus.Subscribe(bus.TopicStrategyEvent, 64)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-execCh:
			s.broadcast(ev)
		case ev := <-portCh:
			s.broadcast(ev)
		case ev := <-statCh:
			if st, ok := ev.(bus.WSStatusEvent); ok {
				s.mu.Lock()
				s.wsConnected = st.Status == bus.WSConnected
				s.mu.Unlock()
			}
			s.broadcast(ev)
		case ev := <-stratCh:
			s.broadcast(ev)
		}
	}
}

func (s *Server) broadcast(ev bus.Event) {
	frame := wsFrame{Topic: string(ev.Topic()), Payload: ev}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			delete(s.clients, conn)
			conn.Close()
		}
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
}
