package main

import (
	"mailvault/maildir"
	"mailvault/policy"
)

// Config holds the application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Policy  policy.Config `toml:"policy"`
	Metrics MetricsConfig `toml:"metrics"`
}

// ServerConfig defines the SMTP listener settings.
type ServerConfig struct {
	ListenAddr      string `toml:"listen_addr"`
	Domain          string `toml:"domain"` // EHLO identity
	MaxMessageBytes int64  `toml:"max_message_bytes"`
	TLSCertFile     string `toml:"tls_cert_file"`
	TLSKeyFile      string `toml:"tls_key_file"`
}

// StorageConfig defines where accepted messages are kept.
type StorageConfig struct {
	Maildir string `toml:"maildir"`
}

// MetricsConfig defines the optional Prometheus listener.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// Backend implements smtp.Backend. It binds the acceptance policy and
// the message store to the protocol engine.
type Backend struct {
	Policy *policy.Policy
	Store  *maildir.Maildir
}

// Session implements smtp.Session and carries one transaction's
// envelope.
type Session struct {
	backend    *Backend
	RemoteAddr string
	HelloName  string
	From       string
	To         []string
}
