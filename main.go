package main

import (
	"crypto/tls"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailvault/maildir"
	"mailvault/policy"
)

const (
	defaultListenAddr  = ":2525"
	defaultMaildir     = "~/email"
	defaultMaxMsgBytes = 20 * 1024 * 1024

	// Staging files older than this cannot belong to an in-flight
	// write; they are debris from a crash.
	stagingMaxAge = 36 * time.Hour
)

func main() {
	args := os.Args[1:]
	configPath := "config.toml"
	if len(args) > 0 {
		configPath = args[0]
	}

	var cfg Config
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		log.Fatal(err)
	}
	applyDefaults(&cfg)

	root, err := maildir.ExpandUser(cfg.Storage.Maildir)
	if err != nil {
		log.Fatalf("Failed to resolve maildir path %s: %v", cfg.Storage.Maildir, err)
	}
	store, err := maildir.Open(root)
	if err != nil {
		log.Fatalf("Failed to open maildir %s: %v", root, err)
	}
	store.CleanStaging(stagingMaxAge)

	be := &Backend{
		Policy: policy.New(cfg.Policy, nil),
		Store:  store,
	}

	s := smtp.NewServer(be)
	s.Addr = cfg.Server.ListenAddr
	s.Domain = cfg.Server.Domain
	s.MaxMessageBytes = cfg.Server.MaxMessageBytes

	if cfg.Server.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			log.Fatalf("Failed to load TLS certs: %v", err)
		}
		s.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	if cfg.Metrics.ListenAddr != "" {
		go serveMetrics(cfg.Metrics.ListenAddr)
	}

	log.Printf("mailvault is listening on %s (EHLO %s)", s.Addr, s.Domain)
	log.Printf("Storing messages under %s", store.Path())
	logPolicy(cfg.Policy)

	if err := s.ListenAndServe(); err != nil {
		log.Fatalf("Server exited with error: %v", err)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = defaultListenAddr
	}
	if cfg.Server.Domain == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		cfg.Server.Domain = host
	}
	if cfg.Server.MaxMessageBytes == 0 {
		cfg.Server.MaxMessageBytes = defaultMaxMsgBytes
	}
	if cfg.Storage.Maildir == "" {
		cfg.Storage.Maildir = defaultMaildir
	}
}

func logPolicy(cfg policy.Config) {
	if cfg.AllowedRecipient != "" {
		log.Printf("Allowed recipient: %s", cfg.AllowedRecipient)
	}
	if len(cfg.AllowedSenderDomains) > 0 {
		log.Printf("Allowed sender domains: %s", strings.Join(cfg.AllowedSenderDomains, ", "))
	}
	if cfg.RequireSPFPass {
		log.Printf("SPF validation enabled")
	}
	if n := len(cfg.RequiredHeaders); n > 0 {
		log.Printf("Required headers: %d filter(s)", n)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("Metrics server exited: %v", err)
	}
}
