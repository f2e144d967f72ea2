package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Server is the full validator node configuration, assembled from the
// environment. Components refuse to start on an invalid section rather
// than limping along.
type Server struct {
	Party     Party
	Transport Transport
	Keystore  Keystore
	Redis     Redis
	Chains    []Chain
	HTTP      HTTP
	Timeouts  Timeouts
}

// Party identifies this validator inside the committee.
type Party struct {
	ID           int
	Threshold    int
	TotalParties int
	KeyID        string
}

// Transport configures the inter-party bus.
type Transport struct {
	ListenAddr   string
	Peers        map[int]string // party id -> host:port
	Domain       string
	CertFile     string
	KeyFile      string
	CACertFile   string
	IdentityPath string
}

// Keystore selects and configures the key share backend.
type Keystore struct {
	Backend  string // file, remote or memory
	Dir      string
	Password string

	RemoteEndpoint string
	RemoteCertFile string
	RemoteKeyFile  string
	RemoteCACert   string
}

// Redis configures the optional persistent store.
type Redis struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// Chain describes one monitored source chain.
type Chain struct {
	Name          string
	ChainID       uint32
	RPC           string
	SignalAddress string
	Confirmations uint64
	PollInterval  time.Duration
}

// HTTP configures the operator surface.
type HTTP struct {
	ListenAddr string
}

// Timeouts collects the protocol deadlines.
type Timeouts struct {
	Round           time.Duration
	Request         time.Duration
	HeartbeatWindow time.Duration
}

// DefaultServiceConfigFromEnv assembles the configuration from the
// environment map. Recognized keys include PARTY_ID, THRESHOLD,
// TOTAL_PARTIES, TRANSPORT_ENDPOINT, TRANSPORT_PEERS, KEYSTORE_BACKEND,
// CHAINS plus <CHAIN>_RPC / <CHAIN>_SIGNAL_ADDRESS per chain,
// ROUND_TIMEOUT_MS and HEARTBEAT_WINDOW_MS.
func DefaultServiceConfigFromEnv() Server {
	cfg := Server{
		Party: Party{
			ID:           getEnvAsInt("PARTY_ID", 0),
			Threshold:    getEnvAsInt("THRESHOLD", 3),
			TotalParties: getEnvAsInt("TOTAL_PARTIES", 5),
			KeyID:        getEnv("KEY_ID", "bridge-group-key"),
		},
		Transport: Transport{
			ListenAddr:   getEnv("TRANSPORT_ENDPOINT", ":9443"),
			Peers:        parsePeers(getEnv("TRANSPORT_PEERS", "")),
			Domain:       getEnv("TRANSPORT_DOMAIN", ""),
			CertFile:     getEnv("TRANSPORT_CERT_FILE", "certs/validator.crt"),
			KeyFile:      getEnv("TRANSPORT_KEY_FILE", "certs/validator.key"),
			CACertFile:   getEnv("TRANSPORT_CA_FILE", "certs/ca.crt"),
			IdentityPath: getEnv("TRANSPORT_IDENTITY_PATH", "data/identity.key"),
		},
		Keystore: Keystore{
			Backend:        getEnv("KEYSTORE_BACKEND", "file"),
			Dir:            getEnv("KEYSTORE_DIR", "data/keystore"),
			Password:       getEnv("KEYSTORE_PASSWORD", ""),
			RemoteEndpoint: getEnv("KEYSTORE_REMOTE_ENDPOINT", ""),
			RemoteCertFile: getEnv("KEYSTORE_REMOTE_CERT_FILE", ""),
			RemoteKeyFile:  getEnv("KEYSTORE_REMOTE_KEY_FILE", ""),
			RemoteCACert:   getEnv("KEYSTORE_REMOTE_CA_FILE", ""),
		},
		Redis: Redis{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		HTTP: HTTP{
			ListenAddr: getEnv("HTTP_LISTEN", ":8080"),
		},
		Timeouts: Timeouts{
			Round:           getEnvAsDurationMs("ROUND_TIMEOUT_MS", 60_000),
			Request:         getEnvAsDurationMs("REQUEST_TIMEOUT_MS", 30_000),
			HeartbeatWindow: getEnvAsDurationMs("HEARTBEAT_WINDOW_MS", 10_000),
		},
	}

	for _, name := range splitList(getEnv("CHAINS", "")) {
		prefix := strings.ToUpper(name) + "_"
		cfg.Chains = append(cfg.Chains, Chain{
			Name:          name,
			ChainID:       uint32(getEnvAsInt(prefix+"CHAIN_ID", 0)),
			RPC:           getEnv(prefix+"RPC", ""),
			SignalAddress: getEnv(prefix+"SIGNAL_ADDRESS", ""),
			Confirmations: uint64(getEnvAsInt(prefix+"CONFIRMATIONS", 12)),
			PollInterval:  getEnvAsDurationMs(prefix+"POLL_INTERVAL_MS", 5_000),
		})
	}

	return cfg
}

// Validate refuses configurations the node cannot run with.
func (s Server) Validate() error {
	if s.Party.ID < 1 || s.Party.ID > s.Party.TotalParties {
		return errors.Errorf("PARTY_ID %d out of range [1, %d]", s.Party.ID, s.Party.TotalParties)
	}
	if s.Party.Threshold < 2 || s.Party.Threshold > s.Party.TotalParties {
		return errors.Errorf("THRESHOLD %d out of range [2, %d]", s.Party.Threshold, s.Party.TotalParties)
	}
	switch s.Keystore.Backend {
	case "file":
		if s.Keystore.Password == "" {
			return errors.New("KEYSTORE_PASSWORD is required for the file backend")
		}
	case "remote":
		if s.Keystore.RemoteEndpoint == "" {
			return errors.New("KEYSTORE_REMOTE_ENDPOINT is required for the remote backend")
		}
	case "memory":
	default:
		return errors.Errorf("unknown KEYSTORE_BACKEND %q", s.Keystore.Backend)
	}
	for _, chain := range s.Chains {
		if chain.RPC == "" {
			return errors.Errorf("chain %s has no RPC endpoint", chain.Name)
		}
		if chain.SignalAddress == "" {
			return errors.Errorf("chain %s has no signal contract address", chain.Name)
		}
	}
	for id := range s.Transport.Peers {
		if id < 1 || id > s.Party.TotalParties {
			return errors.Errorf("peer id %d out of range [1, %d]", id, s.Party.TotalParties)
		}
	}
	return nil
}

// parsePeers reads "2=validator-2:9443,3=validator-3:9443".
func parsePeers(s string) map[int]string {
	peers := make(map[int]string)
	for _, part := range splitList(s) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil {
			continue
		}
		peers[id] = strings.TrimSpace(kv[1])
	}
	return peers
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid integer for %s: %q, using %d\n", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvAsBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvAsDurationMs(key string, fallbackMs int) time.Duration {
	return time.Duration(getEnvAsInt(key, fallbackMs)) * time.Millisecond
}
