package redisutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	envRedisTLSCA       = "REDIS_TLS_CA"
	envRedisTLSCert     = "REDIS_TLS_CERT"
	envRedisTLSKey      = "REDIS_TLS_KEY"
	envRedisTLSInsecure = "REDIS_TLS_INSECURE"
)

// NewClient creates a Redis client from a URL, applying TLS settings from
// the environment.
func NewClient(url string) (*redis.Client, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// ParseOptions parses a Redis URL and folds in TLS material named by the
// REDIS_TLS_* environment variables.
func ParseOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	caPath := strings.TrimSpace(os.Getenv(envRedisTLSCA))
	certPath := strings.TrimSpace(os.Getenv(envRedisTLSCert))
	keyPath := strings.TrimSpace(os.Getenv(envRedisTLSKey))
	insecure := isTruthy(os.Getenv(envRedisTLSInsecure))
	if caPath == "" && certPath == "" && keyPath == "" && !insecure {
		return opts, nil
	}

	cfg := &tls.Config{}
	if opts.TLSConfig != nil {
		cfg = opts.TLSConfig.Clone()
	}
	cfg.InsecureSkipVerify = cfg.InsecureSkipVerify || insecure

	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis tls ca parse: %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("redis tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	opts.TLSConfig = cfg
	return opts, nil
}

func isTruthy(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
