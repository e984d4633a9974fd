// Package export publishes the market's interface descriptions, deployment address map and
// registry snapshot as versioned bundles to the configured storage backend.
//
// A bundle lives under <prefix>/<version>/ and holds:
//
//	interfaces/<Entity>.json   operations and events per entity type
//	deployments.json           address map
//	deployments.yaml           the same map in YAML
//	registry.json              organizations, services, type repositories, records, agents
//	SHA256SUMS                 checksums of every file above
//	SHA256SUMS.sig             armored detached signature (when a signing key is configured)
//
// <prefix>/latest.json is written last and names the newest complete bundle.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent-market/agent-market/internal/services"
	"github.com/agent-market/agent-market/internal/storage"
	"github.com/agent-market/agent-market/internal/telemetry"
	"github.com/agent-market/agent-market/pkg/checksum"
)

const (
	SumsFile       = "SHA256SUMS"
	SignatureFile  = "SHA256SUMS.sig"
	LatestFile     = "latest.json"
	RegistryFile   = "registry.json"
	DeploymentJSON = "deployments.json"
	DeploymentYAML = "deployments.yaml"
)

// ErrUnchanged is returned by Export when the ledger has not advanced since
// the latest bundle and force was not set.
var ErrUnchanged = errors.New("ledger unchanged since last export")

// Source is the read side of the market an export is taken from.
type Source interface {
	Snapshot(ctx context.Context) (*services.RegistrySnapshot, error)
	Deployment() services.Deployment
}

// Latest is the content of latest.json.
type Latest struct {
	Version   string    `json:"version"`
	Height    uint64    `json:"height"`
	Path      string    `json:"path"`
	Checksum  string    `json:"sha256sums"`
	Signed    bool      `json:"signed"`
	CreatedAt time.Time `json:"createdAt"`
}

// Result describes a published bundle.
type Result struct {
	Latest
	Files []string `json:"files"`
}

// Deployments is the address map published as deployments.json/.yaml.
type Deployments struct {
	Version   string            `json:"version" yaml:"version"`
	Height    uint64            `json:"height" yaml:"height"`
	Operator  string            `json:"operator" yaml:"operator"`
	Contracts map[string]string `json:"contracts" yaml:"contracts"`
	CreatedAt time.Time         `json:"createdAt" yaml:"createdAt"`
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithSigner signs SHA256SUMS with s.
func WithSigner(s *Signer) Option {
	return func(e *Exporter) { e.signer = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// Exporter builds and uploads bundles. Export calls are serialized.
type Exporter struct {
	source Source
	store  storage.Storage
	prefix string
	signer *Signer
	now    func() time.Time
	mu     sync.Mutex
}

// New creates an exporter writing under prefix.
func New(source Source, store storage.Storage, prefix string, opts ...Option) *Exporter {
	e := &Exporter{
		source: source,
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Signer returns the configured signer, or nil.
func (e *Exporter) Signer() *Signer { return e.signer }

func (e *Exporter) objectPath(elem ...string) string {
	return path.Join(append([]string{e.prefix}, elem...)...)
}

// Latest reads latest.json; it returns (nil, nil) before the first export.
func (e *Exporter) Latest(ctx context.Context) (*Latest, error) {
	data, err := storage.ReadAll(ctx, e.store, e.objectPath(LatestFile))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", LatestFile, err)
	}
	var latest Latest
	if err := json.Unmarshal(data, &latest); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", LatestFile, err)
	}
	return &latest, nil
}

// Export publishes a new bundle. Without force it returns ErrUnchanged when
// the ledger height equals the latest bundle's.
func (e *Exporter) Export(ctx context.Context, force bool) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.export(ctx, force)
	switch {
	case errors.Is(err, ErrUnchanged):
		telemetry.ExportPublicationsTotal.WithLabelValues("unchanged").Inc()
	case err != nil:
		telemetry.ExportPublicationsTotal.WithLabelValues("error").Inc()
	default:
		telemetry.ExportPublicationsTotal.WithLabelValues("success").Inc()
		slog.Info("export published", "version", res.Version, "height", res.Height, "files", len(res.Files), "signed", res.Signed)
	}
	return res, err
}

func (e *Exporter) export(ctx context.Context, force bool) (*Result, error) {
	prev, err := e.Latest(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := e.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot registry: %w", err)
	}
	if prev != nil && !force && prev.Height == snap.Height {
		return nil, ErrUnchanged
	}

	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version
	}
	ver, err := NextVersion(prevVersion)
	if err != nil {
		return nil, err
	}

	createdAt := e.now().UTC()
	files, err := e.render(ver, createdAt, snap)
	if err != nil {
		return nil, err
	}

	sums := checksum.SumFiles(files).Marshal()
	files[SumsFile] = sums
	if e.signer != nil {
		sig, err := e.signer.Sign(sums)
		if err != nil {
			return nil, err
		}
		files[SignatureFile] = sig
	}

	names := sortedNames(files)
	for _, name := range names {
		p := e.objectPath(ver, name)
		if _, err := e.store.Upload(ctx, p, bytes.NewReader(files[name]), contentType(name)); err != nil {
			return nil, fmt.Errorf("failed to upload %s: %w", p, err)
		}
	}

	latest := Latest{
		Version:   ver,
		Height:    snap.Height,
		Path:      e.objectPath(ver),
		Checksum:  checksum.SHA256Hex(sums),
		Signed:    e.signer != nil,
		CreatedAt: createdAt,
	}
	data, err := json.MarshalIndent(latest, "", "  ")
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Upload(ctx, e.objectPath(LatestFile), bytes.NewReader(data), "application/json"); err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", LatestFile, err)
	}

	return &Result{Latest: latest, Files: names}, nil
}

// render produces every bundle file except the manifest and signature.
func (e *Exporter) render(ver string, createdAt time.Time, snap *services.RegistrySnapshot) (map[string][]byte, error) {
	files := make(map[string][]byte)

	for _, iface := range Interfaces() {
		data, err := json.MarshalIndent(iface, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s interface: %w", iface.Entity, err)
		}
		files[path.Join("interfaces", iface.Entity+".json")] = data
	}

	dep := e.source.Deployment()
	deployments := Deployments{
		Version:  ver,
		Height:   snap.Height,
		Operator: dep.Operator.Hex(),
		Contracts: map[string]string{
			"Registry":     dep.Registry.Hex(),
			"AgentFactory": dep.Factory.Hex(),
			"Token":        dep.Token.Hex(),
		},
		CreatedAt: createdAt,
	}
	depJSON, err := json.MarshalIndent(deployments, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode deployments: %w", err)
	}
	files[DeploymentJSON] = depJSON

	var depYAML bytes.Buffer
	enc := yaml.NewEncoder(&depYAML)
	enc.SetIndent(2)
	if err := enc.Encode(deployments); err != nil {
		return nil, fmt.Errorf("failed to encode deployments yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	files[DeploymentYAML] = depYAML.Bytes()

	reg, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode registry snapshot: %w", err)
	}
	files[RegistryFile] = reg

	return files, nil
}

// Versions lists published bundle versions, oldest first.
func (e *Exporter) Versions(ctx context.Context) ([]string, error) {
	paths, err := e.store.List(ctx, e.prefix+"/")
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var raw []string
	for _, p := range paths {
		rest := strings.TrimPrefix(p, e.prefix+"/")
		ver, _, ok := strings.Cut(rest, "/")
		if !ok || seen[ver] {
			continue
		}
		seen[ver] = true
		raw = append(raw, ver)
	}
	return SortVersions(raw), nil
}

// Files lists the objects of one bundle relative to its directory.
func (e *Exporter) Files(ctx context.Context, ver string) ([]string, error) {
	if !ValidVersion(ver) {
		return nil, fmt.Errorf("%w: export %q", storage.ErrNotFound, ver)
	}
	dir := e.objectPath(ver) + "/"
	paths, err := e.store.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: export %s", storage.ErrNotFound, ver)
	}
	files := make([]string, len(paths))
	for i, p := range paths {
		files[i] = strings.TrimPrefix(p, dir)
	}
	return files, nil
}

// URL returns a fetchable URL for one bundle file.
func (e *Exporter) URL(ctx context.Context, ver, name string, ttl time.Duration) (string, error) {
	if !ValidVersion(ver) || !bundleFile(name) {
		return "", fmt.Errorf("%w: export %q file %q", storage.ErrNotFound, ver, name)
	}
	return e.store.GetURL(ctx, e.objectPath(ver, name), ttl)
}

// Open streams an object under the export prefix.
func (e *Exporter) Open(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	clean := strings.TrimPrefix(path.Clean("/"+objectPath), "/")
	if !strings.HasPrefix(clean, e.prefix+"/") {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, objectPath)
	}
	return e.store.Download(ctx, clean)
}

// bundleFile reports whether name is a clean relative path inside a bundle.
func bundleFile(name string) bool {
	if name == "" || path.IsAbs(name) || path.Clean(name) != name {
		return false
	}
	return name != ".." && !strings.HasPrefix(name, "../")
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".json":
		return "application/json"
	case ".yaml":
		return "application/yaml"
	case ".sig":
		return "application/pgp-signature"
	default:
		return "text/plain; charset=utf-8"
	}
}
