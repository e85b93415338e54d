package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/nexusd/nexus/internal/atomicfile"
	"github.com/nexusd/nexus/internal/event"
	"github.com/nexusd/nexus/internal/hostlog"
	"github.com/nexusd/nexus/internal/manifest"
	"github.com/nexusd/nexus/internal/nexuserr"
)

// Record is a persisted extension installation.
type Record struct {
	Manifest          *manifest.ExtensionManifest `json:"manifest"`
	BinaryPath        string                       `json:"binary_path"`
	Enabled           bool                         `json:"enabled"`
	InstalledAt       int64                        `json:"installed_at"`
	ManifestURLOrigin string                       `json:"manifest_url_origin,omitempty"`
	LocalManifestPath string                       `json:"local_manifest_path,omitempty"`
}

// Loader is the ExtensionLoader: install/enable/disable/remove/update of
// extensions, including binary fetch+verify and TOFU key consistency.
type Loader struct {
	mu       sync.RWMutex
	dataDir  string
	path     string
	records  map[string]*Record
	registry *Registry
	trusted  *TrustedKeys
	bus      *event.Bus
	client   *http.Client
	version  string
	nowFn    func() int64
}

// NewLoader constructs a Loader rooted at dataDir, wired to registry and
// the trusted-keys store, reporting version in every initialize handshake.
func NewLoader(dataDir string, registry *Registry, trusted *TrustedKeys, bus *event.Bus, version string) (*Loader, error) {
	l := &Loader{
		dataDir:  dataDir,
		path:     filepath.Join(dataDir, "extensions.json"),
		records:  make(map[string]*Record),
		registry: registry,
		trusted:  trusted,
		bus:      bus,
		client:   newFetchClient(),
		version:  version,
		nowFn:    func() int64 { return time.Now().Unix() },
	}
	var rows []Record
	if err := atomicfile.ReadJSON(l.path, &rows); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading extensions: %w", err)
	}
	for i := range rows {
		r := rows[i]
		l.records[r.Manifest.ID] = &r
	}
	return l, nil
}

func (l *Loader) saveLocked() error {
	rows := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		rows = append(rows, *r)
	}
	return atomicfile.WriteJSON(l.path, rows)
}

func extensionDir(dataDir, id string) string {
	return filepath.Join(dataDir, "extensions", id)
}

func platformKey() string {
	return runtime.GOOS + "-" + runtime.GOARCH
}

// Install validates, fetches, verifies, TOFU-checks, and stores a new
// extension with enabled=false.
func (l *Loader) Install(m *manifest.ExtensionManifest, manifestURL string) error {
	if err := manifest.ValidateExtension(m); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[m.ID]; exists {
		return nexuserr.Newf(nexuserr.InvalidManifest, "extension %q is already installed", m.ID)
	}

	bin, ok := manifest.SelectBinary(m, platformKey())
	if !ok {
		return nexuserr.Newf(nexuserr.InvalidManifest, "extension %q declares no binary for platform %s", m.ID, platformKey())
	}

	data, local, err := fetchBinary(l.client, bin.URL, manifestURL)
	if err != nil {
		return err
	}
	if !local {
		if err := verifyBinary(data, bin.SHA256, bin.Signature, m.AuthorPublicKey); err != nil {
			return err
		}
	}

	l.checkKeyConsistency(m)

	dir := extensionDir(l.dataDir, m.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nexuserr.Wrap(nexuserr.IO, "creating extension directory", err)
	}
	binPath := filepath.Join(dir, binaryFileName(m.ID))
	if err := os.WriteFile(binPath, data, 0o755); err != nil {
		return nexuserr.Wrap(nexuserr.IO, "writing extension binary", err)
	}
	manifestPath := filepath.Join(dir, "manifest.json")
	manifestData, _ := json.MarshalIndent(m, "", "  ")
	if err := atomicfile.Write(manifestPath, manifestData); err != nil {
		return err
	}

	l.records[m.ID] = &Record{
		Manifest:          m,
		BinaryPath:        binPath,
		Enabled:           false,
		InstalledAt:       l.nowFn(),
		ManifestURLOrigin: manifestURL,
	}
	return l.saveLocked()
}

// InstallLocal is the development install path: it resolves the binary
// relative to manifestPath and skips signature verification entirely.
func (l *Loader) InstallLocal(manifestPath string) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nexuserr.Wrap(nexuserr.IO, "reading local manifest", err)
	}
	var m manifest.ExtensionManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nexuserr.Wrap(nexuserr.InvalidManifest, "parsing local manifest", err)
	}
	if err := manifest.ValidateExtension(&m); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[m.ID]; exists {
		return nexuserr.Newf(nexuserr.InvalidManifest, "extension %q is already installed", m.ID)
	}

	bin, ok := manifest.SelectBinary(&m, platformKey())
	if !ok {
		return nexuserr.Newf(nexuserr.InvalidManifest, "extension %q declares no binary for platform %s", m.ID, platformKey())
	}
	binPath := bin.URL
	if !filepath.IsAbs(binPath) {
		binPath = filepath.Join(filepath.Dir(manifestPath), binPath)
	}

	l.checkKeyConsistency(&m)

	l.records[m.ID] = &Record{
		Manifest:           &m,
		BinaryPath:         binPath,
		Enabled:            false,
		InstalledAt:        l.nowFn(),
		LocalManifestPath:  manifestPath,
	}
	return l.saveLocked()
}

// checkKeyConsistency applies the TOFU rule: trust and continue on a new
// author, continue silently on a match, and — on a changed key — log a
// critical warning but never block the install.
func (l *Loader) checkKeyConsistency(m *manifest.ExtensionManifest) {
	switch l.trusted.Check(m.ID, m.AuthorPublicKey) {
	case KeyNewAuthor:
		if err := l.trusted.Trust(m.ID, m.AuthorPublicKey); err != nil {
			hostlog.Warnf("failed to pin trusted key for %q: %v", m.ID, err)
		}
	case KeyChanged:
		hostlog.Errorf("extension %q author public key changed since last trust — proceeding, but this should be reviewed", m.ID)
	case KeyMatches:
	}
}

func binaryFileName(id string) string {
	name := id
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return name
}

// Enable spawns the extension's process, runs initialize, and — on
// success — registers it in the registry and marks it enabled. On failure
// the extension is left disabled.
func (l *Loader) Enable(ctx context.Context, id string) error {
	l.mu.Lock()
	rec, ok := l.records[id]
	l.mu.Unlock()
	if !ok {
		return nexuserr.Newf(nexuserr.ExtensionNotFound, "extension %q is not installed", id)
	}
	if _, err := os.Stat(rec.BinaryPath); err != nil {
		return nexuserr.Wrap(nexuserr.IO, fmt.Sprintf("extension %q binary missing", id), err)
	}

	var launchArgs string
	if b, ok := manifest.SelectBinary(rec.Manifest, platformKey()); ok {
		launchArgs = b.LaunchArgs
	}
	proc := NewProcess(rec.Manifest, rec.BinaryPath, launchArgs, extensionDir(l.dataDir, id))
	proc.SetBus(l.bus)
	if err := proc.Start(ctx, l.version); err != nil {
		return err
	}

	l.registry.Register(proc)

	l.mu.Lock()
	rec.Enabled = true
	err := l.saveLocked()
	l.mu.Unlock()
	return err
}

// Disable unregisters (stopping) the extension's process and marks it
// disabled.
func (l *Loader) Disable(id string) error {
	if err := l.registry.Unregister(id); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	if !ok {
		return nexuserr.Newf(nexuserr.ExtensionNotFound, "extension %q is not installed", id)
	}
	rec.Enabled = false
	return l.saveLocked()
}

// Remove unregisters, deletes the extension's directory, and drops its
// storage row.
func (l *Loader) Remove(id string) error {
	_ = l.registry.Unregister(id)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[id]; !ok {
		return nexuserr.Newf(nexuserr.ExtensionNotFound, "extension %q is not installed", id)
	}
	if err := os.RemoveAll(extensionDir(l.dataDir, id)); err != nil {
		return nexuserr.Wrap(nexuserr.IO, "removing extension directory", err)
	}
	delete(l.records, id)
	return l.saveLocked()
}

// Update validates a new manifest version, applies TOFU key consistency
// (refusing on a changed key unless forceKey rotates the trusted entry),
// replaces the installed files, and restores the prior enabled state.
func (l *Loader) Update(ctx context.Context, m *manifest.ExtensionManifest, manifestURL string, forceKey bool) error {
	if err := manifest.ValidateExtension(m); err != nil {
		return err
	}

	l.mu.Lock()
	rec, ok := l.records[m.ID]
	l.mu.Unlock()
	if !ok {
		return nexuserr.Newf(nexuserr.ExtensionNotFound, "extension %q is not installed", m.ID)
	}

	status := l.trusted.Check(m.ID, m.AuthorPublicKey)
	if status == KeyChanged {
		if !forceKey {
			return nexuserr.Newf(nexuserr.InvalidManifest, "extension %q author key changed; pass forceKey to rotate trust", m.ID)
		}
		if err := l.trusted.Trust(m.ID, m.AuthorPublicKey); err != nil {
			return err
		}
	} else if status == KeyNewAuthor {
		_ = l.trusted.Trust(m.ID, m.AuthorPublicKey)
	}

	bin, ok := manifest.SelectBinary(m, platformKey())
	if !ok {
		return nexuserr.Newf(nexuserr.InvalidManifest, "extension %q declares no binary for platform %s", m.ID, platformKey())
	}
	data, local, err := fetchBinary(l.client, bin.URL, manifestURL)
	if err != nil {
		return err
	}
	if !local {
		if err := verifyBinary(data, bin.SHA256, bin.Signature, m.AuthorPublicKey); err != nil {
			return err
		}
	}

	wasEnabled := rec.Enabled
	if wasEnabled {
		if err := l.Disable(m.ID); err != nil {
			return err
		}
	}

	dir := extensionDir(l.dataDir, m.ID)
	binPath := filepath.Join(dir, binaryFileName(m.ID))
	if err := os.WriteFile(binPath, data, 0o755); err != nil {
		return nexuserr.Wrap(nexuserr.IO, "writing extension binary", err)
	}
	manifestData, _ := json.MarshalIndent(m, "", "  ")
	if err := atomicfile.Write(filepath.Join(dir, "manifest.json"), manifestData); err != nil {
		return err
	}

	l.mu.Lock()
	rec.Manifest = m
	rec.BinaryPath = binPath
	rec.ManifestURLOrigin = manifestURL
	err = l.saveLocked()
	l.mu.Unlock()
	if err != nil {
		return err
	}

	if wasEnabled {
		return l.Enable(ctx, m.ID)
	}
	return nil
}

// Get returns a copy of the installed record for id.
func (l *Loader) Get(id string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns every installed extension record.
func (l *Loader) List() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	return out
}
