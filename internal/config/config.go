package config

import (
	"log"
	"time"
)

// AuditorConfig captures the tunables required to run the verifying side.
type AuditorConfig struct {
	DBPath string
	// RootsPEM holds the trusted key attestation roots, PEM-encoded and
	// concatenated.
	RootsPEM []byte
	// AllowAttestKeyDowngrade permits an already-paired Auditee to fall back
	// from a 5-certificate chain to a 4-certificate chain. Policy toggle for
	// working around attest key breakage on some devices.
	AllowAttestKeyDowngrade bool
	// Debug marks this Auditor as a debug build: it accepts the debug app
	// variant and developer preview OS versions.
	Debug        bool
	ChallengeTTL time.Duration
	Logger       *log.Logger
}

// AuditeeConfig captures the tunables for the device being audited.
type AuditeeConfig struct {
	RootsPEM        []byte
	PreferStrongBox bool
	UseAttestKey    bool
	Debug           bool
	Logger          *log.Logger
}

// ServerConfig captures the tunables required to start the Auditor HTTP
// server.
type ServerConfig struct {
	Addr   string
	Logger *log.Logger
}
