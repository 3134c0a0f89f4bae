// Command circuitd runs one participant in the circuit mesh: it announces
// itself over the signaling bus, accepts inbound peer-link connections to
// serve as a hop for other nodes' circuits, and — when configured to
// originate — builds and monitors one circuit of its own.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onionmesh/circuitcore/channel"
	"github.com/onionmesh/circuitcore/circuit"
	"github.com/onionmesh/circuitcore/config"
	"github.com/onionmesh/circuitcore/identity"
	"github.com/onionmesh/circuitcore/monitor"
	"github.com/onionmesh/circuitcore/peerlink"
	"github.com/onionmesh/circuitcore/registry"
	"github.com/onionmesh/circuitcore/signaling"
	"github.com/onionmesh/circuitcore/telemetry"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	cfg := config.FromEnv()
	if cfg.SignalingEndpoint == "" {
		fmt.Fprintln(os.Stderr, "circuitd: CIRCUITD_SIGNALING_ENDPOINT is required")
		os.Exit(1)
	}
	logger.Info("circuitd starting", "version", Version, "role", cfg.RoleHint, "listen", cfg.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Init(ctx, "circuitd", Version, logger)
	if err != nil {
		logger.Error("telemetry init failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	id, err := identity.New()
	if err != nil {
		logger.Error("identity generation failed", "err", err)
		os.Exit(1)
	}
	fp, _ := id.Fingerprint()
	logger.Info("node identity generated", "peer_id", id.PeerID, "fingerprint", fp)

	adapter := signaling.NewAdapter(signaling.DialWS(cfg.SignalingEndpoint), logger)
	if err := adapter.Connect(ctx); err != nil {
		logger.Error("signaling connect failed", "err", err)
		os.Exit(1)
	}
	defer adapter.Close()

	reg, err := registry.New(adapter, cfg.RoleHint, id, logger)
	if err != nil {
		logger.Error("registry init failed", "err", err)
		os.Exit(1)
	}

	router := channel.NewRouter()
	dial := hopDialer(cfg.PeerAddresses, logger)
	engine := circuit.New(reg, adapter, dial, router.Deliver, logger)

	// Combined dispatch: adapter.Receive() is a single channel with one
	// effective consumer, so one loop fans every inbound frame out to both
	// the registry and the circuit engine.
	go dispatch(ctx, adapter, reg, engine)

	listener, err := listenTLS(cfg.ListenAddr)
	if err != nil {
		logger.Error("peer link listen failed", "err", err)
		os.Exit(1)
	}
	defer listener.Close()
	go acceptLoop(ctx, listener, engine, logger)

	go func() {
		if err := reg.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("registry run exited", "err", err)
		}
	}()

	if cfg.Originate {
		go originate(ctx, cfg, reg, engine, router, providers, logger)
	}

	<-ctx.Done()
	logger.Info("circuitd shutting down")
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("circuitd-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

func dispatch(ctx context.Context, adapter *signaling.Adapter, reg *registry.Registry, engine *circuit.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-adapter.Receive():
			if !ok {
				return
			}
			reg.HandleFrame(ctx, f)
			engine.HandleFrame(ctx, f)
		}
	}
}

// hopDialer resolves a peer_id to a dialable address via the static book
// circuitd was configured with, then opens a peerlink.TLSLink to it. Real
// address resolution is an external concern (spec.md §1: the peer link
// transport is "treated as an external collaborator"); circuitd's own
// bootstrap config is the simplest thing that could plausibly supply one.
func hopDialer(addresses map[string]string, logger *slog.Logger) circuit.HopDialer {
	return func(ctx context.Context, peerID string) (peerlink.Link, error) {
		addr, ok := addresses[peerID]
		if !ok {
			return nil, fmt.Errorf("hop dial: no known address for peer %s", peerID)
		}
		return peerlink.Dial(addr, logger)
	}
}

func acceptLoop(ctx context.Context, listener net.Listener, engine *circuit.Engine, logger *slog.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("peer link accept failed", "err", err)
			continue
		}
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			conn.Close()
			continue
		}
		link := peerlink.Accept(tlsConn)
		go func() {
			if err := engine.ServeLink(ctx, link); err != nil && ctx.Err() == nil {
				logger.Debug("peer link closed", "err", err)
			}
		}()
	}
}

// listenTLS opens a TLS listener on addr under an ephemeral self-signed
// certificate. Identity is not verified via the TLS PKI — remote hops are
// authenticated by encrypting the establishment record under their
// announced long-term public key (the same posture peerlink.Dial takes
// with InsecureSkipVerify), so the cert here only needs to satisfy TLS's
// own handshake requirements.
func listenTLS(addr string) (net.Listener, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate listener cert: %w", err)
	}
	return tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "circuitd"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// originate builds one circuit at once and keeps it monitored and repaired
// for the lifetime of the process. It does not wait for admissible peers: if
// that first Build fails, it logs the error and returns without retrying.
func originate(ctx context.Context, cfg config.Config, reg *registry.Registry, engine *circuit.Engine, router *channel.Router, providers telemetry.Providers, logger *slog.Logger) {
	circ, err := engine.Build(ctx, cfg.MinHops, nil)
	if err != nil {
		logger.Error("circuit build failed", "err", err)
		return
	}
	hopIDs := make([]string, len(circ.Hops))
	for i, h := range circ.Hops {
		hopIDs[i] = h.PeerID
	}
	logger.Info("circuit built", "circuit_id", circ.ID, "hops", hopIDs)

	m := monitor.New(reg, engine, cfg.MonitorInterval, providers.Meter, logger)
	m.AddListener(func(circuitID string, status monitor.Status, details monitor.Details) {
		logger.Info("circuit status", "circuit_id", circuitID, "status", status, "healthy", details.Healthy, "total", details.Total)
	})
	go func() {
		if err := m.Run(ctx, circ.ID); err != nil && ctx.Err() == nil {
			logger.Warn("monitor run exited", "circuit_id", circ.ID, "err", err)
		}
	}()

	ch := channel.New(engine, router)
	ch.OnMessage(func(data []byte) {
		logger.Info("channel delivered message", "circuit_id", circ.ID, "bytes", len(data))
	})
	if err := ch.Connect(ctx, circ.ID); err != nil {
		logger.Warn("channel connect failed", "circuit_id", circ.ID, "err", err)
	}
}

// multiHandler fans out slog records to multiple handlers (grounded on
// cmd/tor-client/main.go's JSON-file-plus-text-stdout handler pair).
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
