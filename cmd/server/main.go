package main

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/browser"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miretskiy/pistongas/monitoring"
	"github.com/miretskiy/pistongas/simulator"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		return true
	},
}

// Client message types
type ClientMessage struct {
	Type   string               `json:"type"`
	Config *simulator.SimConfig `json:"config,omitempty"`
}

// Server message types
type ServerMessage struct {
	Type    string                     `json:"type"`
	Running *bool                      `json:"running,omitempty"`
	Config  *simulator.SimConfig       `json:"config,omitempty"`
	Metrics *simulator.Metrics         `json:"metrics,omitempty"`
	State   *simulator.StateSnapshot   `json:"state,omitempty"`
	Events  []simulator.CollisionEvent `json:"events,omitempty"`
	Error   string                     `json:"error,omitempty"`
}

// maxEventsPerUpdate bounds the collision log pushed with each update
const maxEventsPerUpdate = 20

// simState manages the simulation state and UI pacing
type simState struct {
	sim     *simulator.Simulator
	running bool
	paused  bool
	mu      sync.Mutex
	stopCh  chan struct{}

	recent []simulator.CollisionEvent // ring of the latest collisions, newest last
}

func newSimState(config simulator.SimConfig, logger *log.Logger) (*simState, error) {
	sim, err := simulator.NewSimulator(config)
	if err != nil {
		return nil, err
	}
	sim.SetLogger(logger)

	s := &simState{
		sim:    sim,
		stopCh: make(chan struct{}),
	}
	sim.OnCollision = s.recordEvent
	return s, nil
}

// recordEvent runs inside Step, with s.mu already held by the caller
func (s *simState) recordEvent(ev simulator.CollisionEvent) {
	if len(s.recent) == maxEventsPerUpdate {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:maxEventsPerUpdate-1]
	}
	s.recent = append(s.recent, ev)
}

// start begins the simulation (sets running flag). A simulator that aborted
// on a consistency failure stays stopped until it is reset.
func (s *simState) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sim.Failure(); err != nil {
		return fmt.Errorf("simulation aborted, reset to continue: %w", err)
	}
	s.running = true
	s.paused = false
	return nil
}

// pause pauses the simulation
func (s *simState) pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// reset resets the simulation
func (s *simState) reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.paused = false
	s.recent = nil
	return s.sim.Reset()
}

// updateConfig updates the configuration
func (s *simState) updateConfig(config simulator.SimConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = nil
	return s.sim.UpdateConfig(config)
}

// isRunning returns true if simulation is running and not paused
func (s *simState) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.paused
}

// getConfig returns the current simulator configuration
func (s *simState) getConfig() simulator.SimConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sim.Config()
}

// step advances simulation by deltaT virtual seconds (called by UI ticker).
// The run stops by itself once the time budget is used up or the engine
// reports a consistency failure.
func (s *simState) step(deltaT float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.paused {
		return nil
	}

	target := s.sim.VirtualTime() + deltaT
	if maxTime := s.sim.Config().MaxTime; target > maxTime {
		target = maxTime
	}
	_, err := s.sim.StepUntil(target)
	if err != nil || s.sim.Done() {
		s.running = false
	}
	return err
}

// snapshot returns current metrics, state and the latest collisions
func (s *simState) snapshot() (*simulator.Metrics, *simulator.StateSnapshot, []simulator.CollisionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]simulator.CollisionEvent, len(s.recent))
	copy(events, s.recent)
	return s.sim.Metrics(), s.sim.State(), events
}

// stop signals the UI loop to stop
func (s *simState) stop() {
	close(s.stopCh)
}

// safeConn wraps a WebSocket connection with a mutex to prevent concurrent writes
type safeConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (sc *safeConn) WriteJSON(v interface{}) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.Conn.WriteJSON(v)
}

type server struct {
	config   simulator.SimConfig
	interval time.Duration // UI update period
	stepSize float64       // virtual seconds simulated per UI update
	logger   *log.Logger
}

func (srv *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", srv.serveHome).Methods(http.MethodGet)
	r.HandleFunc("/ws", srv.handleWebSocket)
	r.HandleFunc("/api/resource", srv.serveResource).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/quitquitquit", srv.quitHandler)
	return r
}

// uiUpdateLoop periodically advances the simulation and sends updates to the
// client. This runs in its own goroutine and controls UI pacing.
func (srv *server) uiUpdateLoop(conn *safeConn, state *simState) {
	ticker := time.NewTicker(srv.interval)
	defer ticker.Stop()

	for {
		select {
		case <-state.stopCh:
			srv.logger.Debug("UI update loop stopping")
			return

		case <-ticker.C:
			if !state.isRunning() {
				continue
			}

			stepErr := state.step(srv.stepSize)

			metrics, snapshot, events := state.snapshot()
			updatePrometheusMetrics(metrics)
			if err := conn.WriteJSON(ServerMessage{Type: "metrics", Metrics: metrics}); err != nil {
				srv.logger.Error("sending metrics", "err", err)
				return
			}
			if err := conn.WriteJSON(ServerMessage{Type: "state", State: snapshot, Events: events}); err != nil {
				srv.logger.Error("sending state", "err", err)
				return
			}

			if stepErr != nil {
				srv.logger.Error("simulation aborted", "err", stepErr)
				if err := conn.WriteJSON(ServerMessage{Type: "error", Error: stepErr.Error()}); err != nil {
					return
				}
			}
			if !state.isRunning() {
				srv.sendStatus(conn, state)
			}
		}
	}
}

func (srv *server) sendStatus(conn *safeConn, state *simState) {
	running := state.isRunning()
	cfg := state.getConfig()
	if err := conn.WriteJSON(ServerMessage{Type: "status", Running: &running, Config: &cfg}); err != nil {
		srv.logger.Error("sending status", "err", err)
	}
}

func (srv *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error("upgrading connection", "err", err)
		return
	}
	defer conn.Close()

	// Wrap connection with mutex for safe concurrent writes
	safeConn := &safeConn{Conn: conn}
	logger := srv.logger.With("remote", r.RemoteAddr)
	logger.Info("client connected")

	state, err := newSimState(srv.config, logger.WithPrefix("simulator"))
	if err != nil {
		logger.Error("creating simulator", "err", err)
		_ = safeConn.WriteJSON(ServerMessage{Type: "error", Error: err.Error()})
		return
	}

	srv.sendStatus(safeConn, state)

	go srv.uiUpdateLoop(safeConn, state)
	defer state.stop()

	// Handle messages from client
	for {
		var msg ClientMessage
		err := conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("reading message", "err", err)
			}
			break
		}

		logger.Debug("received command", "type", msg.Type)

		switch msg.Type {
		case "start":
			if err := state.start(); err != nil {
				logger.Warn("refusing to start", "err", err)
				_ = safeConn.WriteJSON(ServerMessage{Type: "error", Error: err.Error()})
				srv.sendStatus(safeConn, state)
				continue
			}
			logger.Info("simulator started")
			srv.sendStatus(safeConn, state)

		case "pause":
			state.pause()
			logger.Info("simulator paused")
			srv.sendStatus(safeConn, state)

		case "reset":
			if err := state.reset(); err != nil {
				logger.Error("resetting simulator", "err", err)
				_ = safeConn.WriteJSON(ServerMessage{Type: "error", Error: err.Error()})
				continue
			}
			logger.Info("simulator reset")
			srv.sendStatus(safeConn, state)

		case "config_update":
			if msg.Config == nil {
				continue
			}
			if err := state.updateConfig(*msg.Config); err != nil {
				logger.Error("updating config", "err", err)
				_ = safeConn.WriteJSON(ServerMessage{Type: "error", Error: err.Error()})
				continue
			}
			logger.Info("config updated", "particles", msg.Config.NumParticles, "maxTime", msg.Config.MaxTime)
			srv.sendStatus(safeConn, state)

		default:
			logger.Warn("unknown command", "type", msg.Type)
		}
	}

	logger.Info("client disconnected")
}

func (srv *server) serveHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, srv.config); err != nil {
		srv.logger.Error("executing template", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (srv *server) serveResource(w http.ResponseWriter, r *http.Request) {
	usage, err := monitoring.CurrentResourceUsage()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(usage); err != nil {
		srv.logger.Error("encoding resource usage", "err", err)
	}
}

func (srv *server) quitHandler(w http.ResponseWriter, r *http.Request) {
	srv.logger.Info("shutdown requested via /quitquitquit")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Server shutting down...")

	go func() {
		time.Sleep(100 * time.Millisecond)
		srv.logger.Info("server stopped")
		os.Exit(0)
	}()
}

func main() {
	var (
		addr       string
		configFile string
		open       bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Serve the piston gas simulation to a browser over WebSocket.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := log.NewWithOptions(os.Stderr, log.Options{
				Prefix:          "server",
				ReportTimestamp: true,
			})
			if verbose {
				logger.SetLevel(log.DebugLevel)
			}

			config := simulator.DefaultConfig()
			if configFile != "" {
				var err error
				if config, err = simulator.LoadConfig(configFile); err != nil {
					return err
				}
			}
			if err := config.Validate(); err != nil {
				return err
			}

			initPrometheusMetrics()

			srv := &server{
				config:   config,
				interval: 500 * time.Millisecond,
				stepSize: 0.05,
				logger:   logger,
			}

			url := "http://localhost" + addr
			logger.Info("server starting", "url", url)
			logger.Info("endpoints", "ws", "ws://localhost"+addr+"/ws", "metrics", url+"/metrics",
				"resource", url+"/api/resource", "shutdown", url+"/quitquitquit")

			if open {
				go func() {
					time.Sleep(200 * time.Millisecond)
					if err := browser.OpenURL(url); err != nil {
						logger.Warn("opening browser", "err", err)
					}
				}()
			}

			return http.ListenAndServe(addr, srv.routes())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&configFile, "config", "", "Path to a .json, .yaml or .gcfg configuration file")
	cmd.Flags().BoolVar(&open, "open", false, "Open the UI in the default browser")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
