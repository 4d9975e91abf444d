// Command tuntcpd opens a TUN device, speaks TCP over it, and serves a
// single listener as an echo service, the way sample/tun_tcp_echo
// demonstrates the underlying protocol engine.
package main

import (
	"flag"
	"net/http"
	"net/netip"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/usertcp/usertcp/metrics"
	"github.com/usertcp/usertcp/stack"
	"github.com/usertcp/usertcp/tuntap"
)

func main() {
	tunName := flag.String("tun", "tun0", "TUN device name")
	localAddr := flag.String("local-addr", "10.0.0.1", "local IPv4 address this endpoint answers as")
	localPort := flag.Uint("local-port", 12345, "TCP port to listen on")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on, e.g. :9100 (disabled if empty)")
	logLevel := flag.String("log-level", "info", "zerolog level: debug, info, warn, error")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", *logLevel).Msg("bad log level")
	}
	log = log.Level(level)

	addr, err := netip.ParseAddr(*localAddr)
	if err != nil || !addr.Is4() {
		log.Fatal().Str("addr", *localAddr).Msg("local-addr must be a dotted-quad IPv4 address")
	}

	dev, err := tuntap.Open(*tunName)
	if err != nil {
		log.Fatal().Err(err).Str("tun", *tunName).Msg("opening TUN device")
	}
	defer dev.Close()

	cfg := stack.DefaultConfig()
	iface := stack.NewInterface(cfg, dev, log)
	defer iface.Shutdown()

	if *metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.NewCollector(iface.Metrics()))
		go serveMetrics(*metricsAddr, registry, log)
	}

	listener, err := iface.Bind(uint16(*localPort))
	if err != nil {
		log.Fatal().Err(err).Uint("port", *localPort).Msg("bind")
	}
	log.Info().Str("tun", *tunName).Str("addr", *localAddr).Uint("port", *localPort).Msg("listening")

	for {
		stream, err := listener.Accept()
		if err != nil {
			log.Warn().Err(err).Msg("accept")
			return
		}
		go echo(stream, log)
	}
}

func echo(stream *stack.Stream, log zerolog.Logger) {
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if err != nil {
			log.Debug().Err(err).Msg("read")
			return
		}
		if n == 0 {
			_ = stream.Shutdown()
			return
		}
		if _, err := stream.Write(buf[:n]); err != nil {
			log.Debug().Err(err).Msg("write")
			return
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	log.Info().Str("addr", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server")
	}
}

