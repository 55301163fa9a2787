package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/costinm/h2d"
)

var (
	configFile = flag.String("config", "", "YAML config file; flags override it")

	port    = flag.Int("p", 0, "port to listen on")
	address = flag.String("a", "", "bind address (default: all)")
	htdocs  = flag.String("htdocs", "", "document root")
	workers = flag.Int("workers", 0, "number of worker loops")

	noTLS    = flag.Bool("no-tls", false, "serve clear text instead of TLS")
	keyFile  = flag.String("key", "", "private key PEM file")
	certFile = flag.String("cert", "", "certificate PEM file")
	dhParams = flag.String("dh-param-file", "", "DH parameters PEM file")
	verifyC  = flag.Bool("verify-client", false, "request (but never reject) a client certificate")

	readTimeout  = flag.Float64("stream-read-timeout", 0, "per-stream read timeout, seconds")
	writeTimeout = flag.Float64("stream-write-timeout", 0, "per-stream write timeout, seconds")
	padding      = flag.Int("padding", 0, "padding bytes added per frame")
	tableSize    = flag.Int("header-table-size", -1, "HPACK header table size, -1 for default")

	errorGzip = flag.Bool("error-gzip", false, "gzip-encode error pages")
	earlyResp = flag.Bool("early-response", false, "respond at end of headers")
	trailers  = flag.String("trailer", "", "comma separated name=value trailer fields")

	verbose = flag.Bool("v", false, "verbose frame and session tracing")
)

// applyEnv layers H2D_* environment variables over the loaded config.
// Flags are applied afterwards and win.
func applyEnv(cfg *h2d.Config) {
	envStr := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	envInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				log.Printf("h2d: ignoring %s=%q: %v", name, v, err)
			}
		}
	}
	envBool := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			} else {
				log.Printf("h2d: ignoring %s=%q: %v", name, v, err)
			}
		}
	}

	envInt("H2D_PORT", &cfg.Port)
	envStr("H2D_ADDRESS", &cfg.Address)
	envStr("H2D_HTDOCS", &cfg.Htdocs)
	envInt("H2D_NUM_WORKER", &cfg.NumWorker)
	envStr("H2D_PRIVATE_KEY_FILE", &cfg.PrivateKeyFile)
	envStr("H2D_CERT_FILE", &cfg.CertFile)
	envStr("H2D_DH_PARAM_FILE", &cfg.DHParamFile)
	envBool("H2D_NO_TLS", &cfg.NoTLS)
	envBool("H2D_VERIFY_CLIENT", &cfg.VerifyClient)
	envBool("H2D_ERROR_GZIP", &cfg.ErrorGzip)
	envBool("H2D_EARLY_RESPONSE", &cfg.EarlyResponse)
	envBool("H2D_VERBOSE", &cfg.Verbose)
}

func main() {
	flag.Parse()

	cfg := h2d.NewConfig()
	if *configFile != "" {
		c, err := h2d.LoadConfig(*configFile)
		if err != nil {
			log.Fatal(err)
		}
		cfg = c
	}
	applyEnv(cfg)

	if *port != 0 {
		cfg.Port = *port
	}
	if *address != "" {
		cfg.Address = *address
	}
	if *htdocs != "" {
		cfg.Htdocs = *htdocs
	}
	if *workers != 0 {
		cfg.NumWorker = *workers
	}
	if *noTLS {
		cfg.NoTLS = true
	}
	if *keyFile != "" {
		cfg.PrivateKeyFile = *keyFile
	}
	if *certFile != "" {
		cfg.CertFile = *certFile
	}
	if *dhParams != "" {
		cfg.DHParamFile = *dhParams
	}
	if *verifyC {
		cfg.VerifyClient = true
	}
	if *readTimeout != 0 {
		cfg.StreamReadTimeout = *readTimeout
	}
	if *writeTimeout != 0 {
		cfg.StreamWriteTimeout = *writeTimeout
	}
	if *padding != 0 {
		cfg.Padding = *padding
	}
	if *tableSize != -1 {
		cfg.HeaderTableSize = *tableSize
	}
	if *errorGzip {
		cfg.ErrorGzip = true
	}
	if *earlyResp {
		cfg.EarlyResponse = true
	}
	if *verbose {
		cfg.Verbose = true
	}
	for _, t := range strings.Split(*trailers, ",") {
		if t == "" {
			continue
		}
		name, value, _ := strings.Cut(t, "=")
		cfg.Trailer = append(cfg.Trailer, h2d.HeaderKV{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}

	if !cfg.NoTLS && (cfg.PrivateKeyFile == "" || cfg.CertFile == "") {
		log.Fatal("h2d: TLS requires -key and -cert (or -no-tls)")
	}

	srv := h2d.New(cfg)
	if err := srv.Start(); err != nil {
		log.Fatal(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("h2d: shutdown: %v", err)
		os.Exit(1)
	}
}
