package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agent-command/promptrelay/internal/metrics"
)

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

type Options struct {
	Dir       string
	ExtraSANs []string
	// MaxDynamicSANs caps names learned from Host headers.
	MaxDynamicSANs int
	// RegenDebounce is the minimum gap between regenerations; zero disables it.
	RegenDebounce time.Duration

	// CertPath and KeyPath select an externally managed certificate.
	// Host detection is disabled and the files are reloaded on change.
	CertPath string
	KeyPath  string

	// LANAddrs lists the machine's LAN addresses; defaults to LANIPv4.
	LANAddrs func() []net.IP

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Manager owns the HTTPS serving certificate. The current leaf is swapped
// atomically so in-flight handshakes keep the certificate they started with.
type Manager struct {
	opts     Options
	log      zerolog.Logger
	metrics  *metrics.Metrics
	external bool
	lanAddrs func() []net.IP

	leaf atomic.Pointer[tls.Certificate]

	mu      sync.Mutex
	ca      *CA
	covered map[string]struct{}
	dynamic []string
	limiter *rate.Limiter
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		opts.Dir = "certs"
	}
	if opts.MaxDynamicSANs <= 0 {
		opts.MaxDynamicSANs = 50
	}
	limit := rate.Inf
	if opts.RegenDebounce > 0 {
		limit = rate.Every(opts.RegenDebounce)
	}
	lan := opts.LANAddrs
	if lan == nil {
		lan = LANIPv4
	}

	m := &Manager{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "certs").Logger(),
		metrics:  opts.Metrics,
		lanAddrs: lan,
		covered:  make(map[string]struct{}),
		limiter:  rate.NewLimiter(limit, 1),
	}

	if opts.CertPath != "" && opts.KeyPath != "" {
		m.external = true
		if err := m.loadExternal(); err != nil {
			return nil, err
		}
		m.log.Info().Str("cert", opts.CertPath).Msg("using external certificate, host detection disabled")
		return m, nil
	}

	ca, created, err := LoadOrCreateCA(opts.Dir)
	if err != nil {
		return nil, err
	}
	if created {
		m.log.Info().Str("path", ca.Path).Msg("local CA generated")
	} else {
		m.log.Info().Str("path", ca.Path).Msg("using existing CA")
	}
	m.ca = ca

	m.mu.Lock()
	defer m.mu.Unlock()
	// the leaf is reissued on every start so it picks up address changes
	if err := m.issueLocked(nil); err != nil {
		return nil, err
	}
	return m, nil
}

// External reports whether an externally managed certificate is in use.
func (m *Manager) External() bool {
	return m.external
}

// CAPath is where the local CA certificate lives, external mode included.
func (m *Manager) CAPath() string {
	return filepath.Join(m.opts.Dir, CAFileName)
}

func (m *Manager) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := m.leaf.Load()
	if cert == nil {
		return nil, errors.New("no certificate loaded")
	}
	return cert, nil
}

func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// Covered reports whether host is already a SAN of the current leaf.
// With an external certificate every host counts as covered.
func (m *Manager) Covered(host string) bool {
	if m.external {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.covered[normalizeHost(host)]
	return ok
}

// SANs returns the names and addresses of the current leaf.
func (m *Manager) SANs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.covered))
	for s := range m.covered {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) DynamicCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dynamic)
}

// Observe is called with the Host of every request. An unseen, well-formed
// name is added to the leaf and the leaf is reissued, subject to the dynamic
// name cap and the regeneration debounce. It reports whether the leaf was
// reissued.
func (m *Manager) Observe(hostport string) bool {
	if m.external {
		return false
	}
	host := normalizeHost(hostport)
	if host == "" || !hostnamePattern.MatchString(host) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.covered[host]; ok {
		return false
	}
	if len(m.dynamic) >= m.opts.MaxDynamicSANs {
		m.log.Debug().Str("host", host).Int("limit", m.opts.MaxDynamicSANs).Msg("dynamic SAN limit reached, skipping")
		return false
	}
	if !m.limiter.Allow() {
		return false
	}

	m.log.Info().Str("host", host).Msg("new hostname detected from request")
	// a failed issue leaves the host out so it does not hold a cap slot
	dynamic := append(slices.Clone(m.dynamic), host)
	if err := m.issueLocked(dynamic); err != nil {
		m.metrics.CertRegenerated(false)
		m.log.Error().Err(err).Str("host", host).Msg("certificate regeneration failed")
		return false
	}
	m.metrics.CertRegenerated(true)
	m.log.Info().Str("host", host).Msg("HTTPS certificate hot-swapped")
	return true
}

// issueLocked signs a leaf covering dynamic and, on success, makes dynamic the
// current set of observed names.
func (m *Manager) issueLocked(dynamic []string) error {
	sans := []string{"localhost", "127.0.0.1"}
	for _, ip := range m.lanAddrs() {
		sans = append(sans, ip.String())
	}
	sans = append(sans, m.opts.ExtraSANs...)
	sans = append(sans, dynamic...)
	sans = dedupe(sans)

	cert, err := m.issue(sans)
	if err != nil {
		return err
	}

	covered := make(map[string]struct{}, len(sans))
	for _, s := range sans {
		covered[strings.ToLower(s)] = struct{}{}
	}
	m.covered = covered
	m.dynamic = dynamic
	m.leaf.Store(cert)
	m.log.Info().Strs("sans", sans).Msg("server certificate issued")
	return nil
}

func (m *Manager) issue(sans []string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: leafCommonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, s := range sans {
		if ip := net.ParseIP(s); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, s)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, m.ca.Cert, &key.PublicKey, m.ca.Key)
	if err != nil {
		return nil, fmt.Errorf("create leaf cert: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf cert: %w", err)
	}

	if err := writePEM(filepath.Join(m.opts.Dir, leafFileName), "CERTIFICATE", der, 0o644); err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal leaf key: %w", err)
	}
	if err := writePEM(filepath.Join(m.opts.Dir, leafKeyFileName), "PRIVATE KEY", keyDER, 0o600); err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, m.ca.Cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func (m *Manager) loadExternal() error {
	cert, err := tls.LoadX509KeyPair(m.opts.CertPath, m.opts.KeyPath)
	if err != nil {
		return fmt.Errorf("load external certificate: %w", err)
	}
	m.leaf.Store(&cert)
	return nil
}

// Watch reloads an external certificate whenever its files change and
// returns when ctx is done. It is a no-op for the managed certificate.
func (m *Manager) Watch(ctx context.Context) error {
	if !m.external {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// watch directories so atomic replace-by-rename is seen too
	watched := map[string]bool{}
	for _, p := range []string{m.opts.CertPath, m.opts.KeyPath} {
		dir := filepath.Dir(p)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		watched[dir] = true
	}
	certName := filepath.Clean(m.opts.CertPath)
	keyName := filepath.Clean(m.opts.KeyPath)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Clean(event.Name)
			if name != certName && name != keyName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// cert and key are often replaced one after the other; a
			// mismatched pair fails and the next event retries
			if err := m.loadExternal(); err != nil {
				m.log.Debug().Err(err).Msg("external certificate not reloaded")
				continue
			}
			m.metrics.CertRegenerated(true)
			m.log.Info().Str("cert", m.opts.CertPath).Msg("external certificate reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn().Err(err).Msg("certificate watcher error")
		}
	}
}

// LANIPv4 returns the non-loopback IPv4 addresses of this machine.
func LANIPv4() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			ips = append(ips, ip4)
		}
	}
	return ips
}

func normalizeHost(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return strings.ToLower(host)
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := items[:0]
	for _, s := range items {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
