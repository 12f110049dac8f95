package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mindswarm/subspace/internal/logging"
)

const (
	// DefaultObserverPort is the default port for the monitoring
	// WebSocket server.
	DefaultObserverPort = 8765

	WebSocketEndpoint = "/events"
	HealthEndpoint    = "/health"

	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxMessageSize = 4096
)

// Observer is a WebSocket server exposing Bus events to the external
// operator/monitoring surface named in spec.md §1 as out of scope.
type Observer struct {
	bus      *Bus
	port     int
	upgrader websocket.Upgrader
	server   *http.Server
	log      *logging.Logger

	clients    map[*client]bool
	clientsMu  sync.RWMutex
	register   chan *client
	unregister chan *client

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.RWMutex

	unsubscribe func()
}

type client struct {
	conn          *websocket.Conn
	send          chan []byte
	replayHistory bool
	historyCount  int
}

// ObserverConfig configures the Observer.
type ObserverConfig struct {
	Port          int
	ReplayHistory bool
	HistoryCount  int
}

// DefaultObserverConfig returns sane defaults.
func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{Port: DefaultObserverPort, ReplayHistory: true, HistoryCount: 100}
}

// NewObserver creates an Observer attached to bus.
func NewObserver(b *Bus, cfg ObserverConfig) *Observer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Observer{
		bus:  b,
		port: cfg.Port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		ctx:        ctx,
		cancel:     cancel,
		log:        logging.New("bus.observer"),
	}
}

// Start begins serving the WebSocket endpoint.
func (o *Observer) Start() error {
	o.runningMu.Lock()
	if o.running {
		o.runningMu.Unlock()
		return fmt.Errorf("bus: observer already running")
	}
	o.running = true
	o.runningMu.Unlock()

	o.unsubscribe = o.bus.Subscribe("", o.handleBusEvent)

	o.wg.Add(1)
	go o.runClientManager()

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketEndpoint, o.handleWebSocket)
	mux.HandleFunc(HealthEndpoint, o.handleHealth)

	cors := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		mux.ServeHTTP(w, r)
	})

	o.server = &http.Server{Addr: fmt.Sprintf(":%d", o.port), Handler: cors}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.log.WithField("port", o.port).Info("observer listening")
		if err := o.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.log.Error(err, "observer server error")
		}
	}()

	return nil
}

// Stop gracefully shuts the Observer down.
func (o *Observer) Stop() error {
	o.runningMu.Lock()
	if !o.running {
		o.runningMu.Unlock()
		return nil
	}
	o.running = false
	o.runningMu.Unlock()

	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	o.cancel()

	o.clientsMu.Lock()
	for c := range o.clients {
		close(c.send)
		delete(o.clients, c)
	}
	o.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("bus: observer shutdown: %w", err)
	}
	o.wg.Wait()
	return nil
}

// ClientCount returns the number of connected WebSocket clients.
func (o *Observer) ClientCount() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

func (o *Observer) runClientManager() {
	defer o.wg.Done()
	for {
		select {
		case c := <-o.register:
			o.clientsMu.Lock()
			o.clients[c] = true
			o.clientsMu.Unlock()
			if c.replayHistory {
				o.replayHistoryTo(c, c.historyCount)
			}
		case c := <-o.unregister:
			o.clientsMu.Lock()
			if _, ok := o.clients[c]; ok {
				delete(o.clients, c)
				close(c.send)
				c.conn.Close()
			}
			o.clientsMu.Unlock()
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Observer) replayHistoryTo(c *client, count int) {
	for _, ev := range o.bus.GetHistorySlice(count) {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
			return
		}
	}
}

func (o *Observer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	replay := r.URL.Query().Get("replay") != "false"
	count := 100
	if n := r.URL.Query().Get("count"); n != "" {
		fmt.Sscanf(n, "%d", &count)
	}

	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.log.Error(err, "websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 256), replayHistory: replay, historyCount: count}
	o.register <- c

	o.wg.Add(2)
	go o.writePump(c)
	go o.readPump(c)
}

func (o *Observer) writePump(c *client) {
	defer o.wg.Done()
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Observer) readPump(c *client) {
	defer o.wg.Done()
	defer func() { o.unregister <- c }()

	c.conn.SetReadLimit(MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				o.log.Error(err, "websocket read error")
			}
			break
		}
	}
}

func (o *Observer) handleBusEvent(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		o.log.Error(err, "marshal event failed")
		return
	}

	o.clientsMu.RLock()
	targets := make([]*client, 0, len(o.clients))
	for c := range o.clients {
		targets = append(targets, c)
	}
	o.clientsMu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			o.unregister <- c
		}
	}
}

func (o *Observer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := struct {
		Status      string `json:"status"`
		Service     string `json:"service"`
		Clients     int    `json:"clients"`
		BusSubs     int    `json:"bus_subscriptions"`
		HistorySize int    `json:"history_size"`
	}{
		Status:      "healthy",
		Service:     "subspace-bus-observer",
		Clients:     o.ClientCount(),
		BusSubs:     o.bus.SubscriptionsCount(),
		HistorySize: len(o.bus.GetHistory()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}
