// chunkserv serves registered resources over the chunkflow transfer
// protocol. It accepts endpoint links over WebSocket and/or QUIC; each link
// gets its own session pool driven by a shared handler registry.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/spf13/cobra"

	"github.com/chunkflow/chunkflow/internal/config"
	"github.com/chunkflow/chunkflow/internal/logging"
	"github.com/chunkflow/chunkflow/internal/quiclink"
	"github.com/chunkflow/chunkflow/internal/transfer"
	"github.com/chunkflow/chunkflow/internal/wslink"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	cfg := config.ServeFromEnv()

	cmd := &cobra.Command{
		Use:   "chunkserv",
		Short: "Serve resources over the chunkflow transfer protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.WSAddr, "ws-addr", cfg.WSAddr, "WebSocket listen address (empty disables)")
	cmd.Flags().StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "QUIC listen address (empty disables)")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	cmd.Flags().Uint32Var(&cfg.MaxChunkSize, "max-chunk-size", cfg.MaxChunkSize, "max data chunk payload in bytes")
	cmd.Flags().Uint32Var(&cfg.WindowBytes, "window", cfg.WindowBytes, "receive window in bytes")
	cmd.Flags().Uint32Var(&cfg.MinDelayMicros, "min-delay-micros", cfg.MinDelayMicros, "pacing announced to transmitting peers")
	cmd.Flags().IntVar(&cfg.PoolCapacity, "pool-capacity", cfg.PoolCapacity, "concurrent transfers per link")
	cmd.Flags().StringArrayVar(&cfg.Resources, "resource", cfg.Resources, "resource binding id=path (repeatable)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.ServeConfig) error {
	logger := logging.New("chunkserv", cfg.LogLevel)

	if len(cfg.Resources) == 0 {
		return fmt.Errorf("no resources registered; pass at least one --resource id=path")
	}
	registry := transfer.NewRegistry()
	for _, spec := range cfg.Resources {
		id, path, err := config.ParseResource(spec)
		if err != nil {
			return err
		}
		h, err := transfer.NewFileHandler(path)
		if err != nil {
			return err
		}
		registry.Register(id, h)
		logger.Info("resource registered", "id", id, "path", path)
	}
	if cfg.WSAddr == "" && cfg.QUICAddr == "" {
		return fmt.Errorf("no listen address configured")
	}

	errCh := make(chan error, 2)
	if cfg.WSAddr != "" {
		go func() { errCh <- serveWS(cfg, registry, logger) }()
	}
	if cfg.QUICAddr != "" {
		go func() { errCh <- serveQUIC(cfg, registry, logger) }()
	}
	return <-errCh
}

// wsHub pairs the two WebSocket connections of a link by the client-chosen
// link id, building the endpoint's link and service on first contact.
type wsHub struct {
	mu        sync.Mutex
	cfg       config.ServeConfig
	registry  *transfer.Registry
	logger    *slog.Logger
	endpoints map[string]*wsEndpoint
}

type wsEndpoint struct {
	link    *transfer.Link
	service *transfer.Service
	streams int
}

func (h *wsHub) attach(linkID string, dir transfer.Direction, stream *wslink.Stream) (*transfer.Service, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ep, ok := h.endpoints[linkID]
	if !ok {
		link := transfer.NewLink(nil, nil, h.cfg.MaxChunkSize, h.cfg.WindowBytes)
		link.MinDelayMicros = h.cfg.MinDelayMicros
		ep = &wsEndpoint{
			link:    link,
			service: transfer.NewService(link, h.registry, h.cfg.PoolCapacity, h.logger.With("link", linkID)),
		}
		h.endpoints[linkID] = ep
	}
	if dir == transfer.DirRead {
		ep.link.ReadStream = stream
	} else {
		ep.link.WriteStream = stream
	}
	ep.streams++

	detach := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		ep.streams--
		if ep.streams <= 0 {
			delete(h.endpoints, linkID)
		}
	}
	return ep.service, detach
}

func serveWS(cfg config.ServeConfig, registry *transfer.Registry, logger *slog.Logger) error {
	hub := &wsHub{
		cfg:       cfg,
		registry:  registry,
		logger:    logger,
		endpoints: make(map[string]*wsEndpoint),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/transfer", func(w http.ResponseWriter, r *http.Request) {
		linkID := r.URL.Query().Get("link")
		if linkID == "" {
			linkID = uuid.NewString()
		}
		var dir transfer.Direction
		switch r.URL.Query().Get("stream") {
		case "read":
			dir = transfer.DirRead
		case "write":
			dir = transfer.DirWrite
		default:
			http.Error(w, "stream must be read or write", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		stream := wslink.NewStream(conn, logger.With("link", linkID, "stream", dir.String()))
		service, detach := hub.attach(linkID, dir, stream)
		defer detach()

		logger.Info("link stream connected", "transport", "ws", "link", linkID, "stream", dir.String())
		if err := stream.Run(func(msg []byte) { service.HandleMessage(dir, msg) }); err != nil {
			logger.Warn("link stream closed", "link", linkID, "error", err)
		}
	})

	logger.Info("listening", "transport", "ws", "addr", cfg.WSAddr)
	return http.ListenAndServe(cfg.WSAddr, mux)
}

func serveQUIC(cfg config.ServeConfig, registry *transfer.Registry, logger *slog.Logger) error {
	tlsConf, err := quiclink.ServerTLSConfig()
	if err != nil {
		return fmt.Errorf("quic tls: %w", err)
	}
	listener, err := quic.ListenAddr(cfg.QUICAddr, tlsConf, quiclink.DefaultQUICConfig())
	if err != nil {
		return fmt.Errorf("quic listen: %w", err)
	}
	logger.Info("listening", "transport", "quic", "addr", cfg.QUICAddr)

	for {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			return fmt.Errorf("quic accept: %w", err)
		}
		go serveQUICConn(conn, cfg, registry, logger)
	}
}

// serveQUICConn owns one QUIC connection: both directed streams of the
// link arrive on it, so no pairing hub is needed.
func serveQUICConn(conn *quic.Conn, cfg config.ServeConfig, registry *transfer.Registry, logger *slog.Logger) {
	linkID := uuid.NewString()
	connLogger := logger.With("link", linkID, "remote", conn.RemoteAddr().String())

	link := transfer.NewLink(nil, nil, cfg.MaxChunkSize, cfg.WindowBytes)
	link.MinDelayMicros = cfg.MinDelayMicros
	service := transfer.NewService(link, registry, cfg.PoolCapacity, connLogger)

	for {
		stream, header, err := quiclink.Accept(context.Background(), conn, connLogger)
		if err != nil {
			connLogger.Info("link closed", "error", err)
			return
		}
		dir := transfer.DirRead
		if header == quiclink.HeaderWrite {
			dir = transfer.DirWrite
		}
		if dir == transfer.DirRead {
			link.ReadStream = stream
		} else {
			link.WriteStream = stream
		}
		connLogger.Info("link stream connected", "transport", "quic", "stream", dir.String())
		go func(dir transfer.Direction, stream *quiclink.Stream) {
			if err := stream.Run(func(msg []byte) { service.HandleMessage(dir, msg) }); err != nil {
				connLogger.Warn("link stream closed", "stream", dir.String(), "error", err)
			}
		}(dir, stream)
	}
}
