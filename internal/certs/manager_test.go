package certs

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLAN() []net.IP {
	return []net.IP{net.ParseIP("192.168.1.20").To4()}
}

func newTestManager(t *testing.T, dir string, mutate func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		Dir:            dir,
		MaxDynamicSANs: 50,
		RegenDebounce:  10 * time.Second,
		LANAddrs:       testLAN,
		Logger:         zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func currentLeaf(t *testing.T, m *Manager) *x509.Certificate {
	t.Helper()
	cert, err := m.GetCertificate(nil)
	if err != nil {
		t.Fatalf("get certificate: %v", err)
	}
	return cert.Leaf
}

func verifyFor(t *testing.T, m *Manager, leaf *x509.Certificate, name string) error {
	t.Helper()
	ca, _, err := LoadOrCreateCA(m.opts.Dir)
	if err != nil {
		t.Fatalf("load ca: %v", err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca.Cert)
	_, err = leaf.Verify(x509.VerifyOptions{
		DNSName:   name,
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	return err
}

func TestManagerIssuesLeafSignedByCA(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, func(o *Options) { o.ExtraSANs = []string{"relay.example.net"} })

	leaf := currentLeaf(t, m)
	for _, name := range []string{"localhost", "127.0.0.1", "192.168.1.20", "relay.example.net"} {
		if err := verifyFor(t, m, leaf, name); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	if err := verifyFor(t, m, leaf, "other.example.net"); err == nil {
		t.Error("leaf must not cover unknown names")
	}

	for _, f := range []string{CAFileName, caKeyFileName, leafFileName, leafKeyFileName} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("expected %s on disk: %v", f, err)
		}
	}
	info, err := os.Stat(filepath.Join(dir, caKeyFileName))
	if err != nil {
		t.Fatalf("stat ca key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("ca key must be private, got %v", info.Mode().Perm())
	}
	if m.CAPath() != filepath.Join(dir, CAFileName) {
		t.Errorf("unexpected CA path %s", m.CAPath())
	}
}

func TestManagerReusesCA(t *testing.T) {
	dir := t.TempDir()
	first := newTestManager(t, dir, nil)
	second := newTestManager(t, dir, nil)

	if Fingerprint(first.ca.Cert) != Fingerprint(second.ca.Cert) {
		t.Error("restart must reuse the persisted CA")
	}
	if currentLeaf(t, first).SerialNumber.Cmp(currentLeaf(t, second).SerialNumber) == 0 {
		t.Error("the leaf is reissued on every start")
	}
	if err := verifyFor(t, second, currentLeaf(t, second), "localhost"); err != nil {
		t.Errorf("reissued leaf must chain to the original CA: %v", err)
	}
}

func TestObserveAddsHost(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)
	before := currentLeaf(t, m)

	if !m.Observe("mybox.local:3940") {
		t.Fatal("expected regeneration for a new host")
	}
	after := currentLeaf(t, m)
	if after == before {
		t.Fatal("leaf must be swapped")
	}
	if err := verifyFor(t, m, after, "mybox.local"); err != nil {
		t.Errorf("new leaf must cover the observed host: %v", err)
	}
	if !m.Covered("MyBox.local") {
		t.Error("coverage is case-insensitive")
	}
	if m.Observe("mybox.local") {
		t.Error("covered host must not regenerate")
	}
	if m.Observe("localhost:3940") || m.Observe("127.0.0.1") {
		t.Error("default SANs are already covered")
	}
}

func TestObserveDebounce(t *testing.T) {
	m := newTestManager(t, t.TempDir(), nil)

	regenerated := 0
	for i := 0; i < 10; i++ {
		if m.Observe(fmt.Sprintf("host%d.lan", i)) {
			regenerated++
		}
	}
	if regenerated != 1 {
		t.Errorf("expected exactly one regeneration within the debounce window, got %d", regenerated)
	}
	if !m.Covered("host0.lan") || m.Covered("host1.lan") {
		t.Error("only the first host is added")
	}
	if m.DynamicCount() != 1 {
		t.Errorf("expected 1 dynamic SAN, got %d", m.DynamicCount())
	}
}

func TestObserveCap(t *testing.T) {
	m := newTestManager(t, t.TempDir(), func(o *Options) {
		o.MaxDynamicSANs = 3
		o.RegenDebounce = 0
	})

	for i := 0; i < 10; i++ {
		m.Observe(fmt.Sprintf("host%d.lan", i))
	}
	if m.DynamicCount() != 3 {
		t.Errorf("expected cap of 3 dynamic SANs, got %d", m.DynamicCount())
	}
	if m.Covered("host3.lan") {
		t.Error("hosts past the cap are not added")
	}
}

func TestObserveFailedIssueKeepsCapSlot(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, func(o *Options) {
		o.MaxDynamicSANs = 1
		o.RegenDebounce = 0
	})
	before := currentLeaf(t, m)

	// a directory where the leaf file belongs makes the write fail
	leafPath := filepath.Join(dir, leafFileName)
	if err := os.Remove(leafPath); err != nil {
		t.Fatalf("remove leaf: %v", err)
	}
	if err := os.Mkdir(leafPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if m.Observe("broken.lan") {
		t.Fatal("expected a failed regeneration")
	}
	if m.DynamicCount() != 0 || m.Covered("broken.lan") {
		t.Fatalf("failed host must not be kept, count %d", m.DynamicCount())
	}
	if currentLeaf(t, m) != before {
		t.Error("leaf must not change on failure")
	}

	if err := os.Remove(leafPath); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	if !m.Observe("fixed.lan") {
		t.Fatal("the cap slot must still be free after a failure")
	}
	if m.DynamicCount() != 1 || !m.Covered("fixed.lan") {
		t.Errorf("expected fixed.lan to be added, count %d", m.DynamicCount())
	}
}

func TestObserveRejectsMalformedHosts(t *testing.T) {
	m := newTestManager(t, t.TempDir(), func(o *Options) { o.RegenDebounce = 0 })

	for _, host := range []string{"", "bad host", "evil.com/../x", "a\nb", "[::1]:3940", "*.example.com"} {
		if m.Observe(host) {
			t.Errorf("%q must be rejected", host)
		}
	}
	if m.DynamicCount() != 0 {
		t.Errorf("expected no dynamic SANs, got %d", m.DynamicCount())
	}
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	ca, created, err := LoadOrCreateCA(dir)
	if err != nil {
		t.Fatalf("create ca: %v", err)
	}
	if !created {
		t.Error("expected a fresh CA")
	}
	fp := Fingerprint(ca.Cert)
	if !regexp.MustCompile(`^([0-9A-F]{2}:){31}[0-9A-F]{2}$`).MatchString(fp) {
		t.Errorf("unexpected fingerprint format %q", fp)
	}

	again, created, err := LoadOrCreateCA(dir)
	if err != nil {
		t.Fatalf("load ca: %v", err)
	}
	if created || Fingerprint(again.Cert) != fp {
		t.Error("second call must load the same CA")
	}
}

func TestExternalCertificate(t *testing.T) {
	// issue a pair with a managed instance, then serve it as external files
	source := newTestManager(t, t.TempDir(), nil)
	extDir := t.TempDir()
	certPath := filepath.Join(extDir, "tls.crt")
	keyPath := filepath.Join(extDir, "tls.key")
	copyFile(t, filepath.Join(source.opts.Dir, leafFileName), certPath)
	copyFile(t, filepath.Join(source.opts.Dir, leafKeyFileName), keyPath)

	m := newTestManager(t, t.TempDir(), func(o *Options) {
		o.CertPath = certPath
		o.KeyPath = keyPath
	})
	if !m.External() {
		t.Fatal("expected external mode")
	}
	if !m.Covered("anything.example") {
		t.Error("external mode treats every host as covered")
	}
	if m.Observe("new.example") {
		t.Error("external mode never regenerates")
	}

	cert, err := m.GetCertificate(nil)
	if err != nil || len(cert.Certificate) == 0 {
		t.Fatalf("expected loaded certificate: %v", err)
	}
	original := cert.Certificate[0]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	// rotate: issue a new pair and overwrite the external files
	source.Observe("rotated.example")
	copyFile(t, filepath.Join(source.opts.Dir, leafKeyFileName), keyPath)
	copyFile(t, filepath.Join(source.opts.Dir, leafFileName), certPath)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		cert, _ := m.GetCertificate(nil)
		if string(cert.Certificate[0]) != string(original) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("external certificate was not reloaded")
}

func TestBadExternalCertificate(t *testing.T) {
	dir := t.TempDir()
	_, err := NewManager(Options{
		Dir:      dir,
		CertPath: filepath.Join(dir, "missing.crt"),
		KeyPath:  filepath.Join(dir, "missing.key"),
		Logger:   zerolog.Nop(),
	})
	if err == nil {
		t.Fatal("expected error for missing external files")
	}
}

func copyFile(t *testing.T, from, to string) {
	t.Helper()
	data, err := os.ReadFile(from)
	if err != nil {
		t.Fatalf("read %s: %v", from, err)
	}
	if err := os.WriteFile(to, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", to, err)
	}
}
