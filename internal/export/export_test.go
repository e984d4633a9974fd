package export_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/agent-market/agent-market/internal/config"
	"github.com/agent-market/agent-market/internal/export"
	"github.com/agent-market/agent-market/internal/services"
	"github.com/agent-market/agent-market/internal/storage"
	"github.com/agent-market/agent-market/internal/storage/local"
)

type fakeSource struct {
	height uint64
	err    error
}

func (f *fakeSource) Snapshot(context.Context) (*services.RegistrySnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &services.RegistrySnapshot{
		Height:  f.height,
		Records: []services.SnapshotRecord{{Name: "translator", Agent: common.HexToAddress("0xa1")}},
	}, nil
}

func (f *fakeSource) Deployment() services.Deployment {
	return services.Deployment{
		Operator: common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Token:    common.HexToAddress("0x0000000000000000000000000000000000000002"),
		Factory:  common.HexToAddress("0x0000000000000000000000000000000000000003"),
		Registry: common.HexToAddress("0x0000000000000000000000000000000000000004"),
	}
}

var fixedNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func newExporter(t *testing.T, src export.Source, opts ...export.Option) (*export.Exporter, string) {
	t.Helper()
	base := t.TempDir()
	store, err := local.New(&config.LocalStorageConfig{BasePath: base}, "http://localhost:8080")
	require.NoError(t, err)
	opts = append(opts, export.WithClock(func() time.Time { return fixedNow }))
	return export.New(src, store, "exports", opts...), base
}

func newTestSigner(t *testing.T) *export.Signer {
	t.Helper()
	entity, err := openpgp.NewEntity("Market Exports", "", "exports@market.example", nil)
	require.NoError(t, err)
	return export.NewSigner(entity)
}

func TestExport_WritesBundle(t *testing.T) {
	e, base := newExporter(t, &fakeSource{height: 5})

	res, err := e.Export(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, export.FirstVersion, res.Version)
	assert.Equal(t, uint64(5), res.Height)
	assert.Equal(t, "exports/1.0.0", res.Path)
	assert.False(t, res.Signed)
	assert.Equal(t, fixedNow, res.CreatedAt)
	assert.Equal(t, []string{
		export.SumsFile,
		export.DeploymentJSON,
		export.DeploymentYAML,
		"interfaces/Agent.json",
		"interfaces/AgentFactory.json",
		"interfaces/Job.json",
		"interfaces/Registry.json",
		"interfaces/Token.json",
		export.RegistryFile,
	}, res.Files)

	dir := filepath.Join(base, "exports", "1.0.0")

	var deployments export.Deployments
	data, err := os.ReadFile(filepath.Join(dir, export.DeploymentJSON))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &deployments))
	assert.Equal(t, "0x0000000000000000000000000000000000000003", deployments.Contracts["AgentFactory"])
	assert.Equal(t, "1.0.0", deployments.Version)

	var fromYAML export.Deployments
	data, err = os.ReadFile(filepath.Join(dir, export.DeploymentYAML))
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &fromYAML))
	assert.Equal(t, deployments.Contracts, fromYAML.Contracts)
	assert.Equal(t, deployments.Operator, fromYAML.Operator)

	var iface export.Interface
	data, err = os.ReadFile(filepath.Join(dir, "interfaces", "Job.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &iface))
	assert.Equal(t, "Job", iface.Entity)
	assert.NotEmpty(t, iface.Operations)

	files, err := export.VerifyBundle(os.DirFS(dir), "")
	require.NoError(t, err)
	assert.Len(t, files, 8)

	latest, err := e.Latest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, res.Latest, *latest)
}

func TestExport_UnchangedHeightSkipsUnlessForced(t *testing.T) {
	src := &fakeSource{height: 9}
	e, _ := newExporter(t, src)
	ctx := context.Background()

	_, err := e.Export(ctx, false)
	require.NoError(t, err)

	_, err = e.Export(ctx, false)
	assert.ErrorIs(t, err, export.ErrUnchanged)

	res, err := e.Export(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", res.Version)

	src.height = 10
	res, err = e.Export(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "1.0.2", res.Version)

	versions, err := e.Versions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0", "1.0.1", "1.0.2"}, versions)
}

func TestExport_SourceError(t *testing.T) {
	e, _ := newExporter(t, &fakeSource{err: errors.New("ledger closed")})

	_, err := e.Export(context.Background(), true)
	require.Error(t, err)

	latest, err := e.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest, "a failed export must not publish latest.json")
}

func TestExport_SignedBundleVerifies(t *testing.T) {
	signer := newTestSigner(t)
	e, base := newExporter(t, &fakeSource{height: 1}, export.WithSigner(signer))

	res, err := e.Export(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Signed)
	assert.Contains(t, res.Files, export.SignatureFile)

	pub, err := signer.ArmoredPublicKey()
	require.NoError(t, err)

	dir := filepath.Join(base, "exports", "1.0.0")
	_, err = export.VerifyBundle(os.DirFS(dir), string(pub))
	require.NoError(t, err)

	// Tampering with a listed file breaks the checksum.
	require.NoError(t, os.WriteFile(filepath.Join(dir, export.RegistryFile), []byte("{}"), 0600))
	_, err = export.VerifyBundle(os.DirFS(dir), string(pub))
	assert.Error(t, err)
}

func TestVerifyBundle_WrongKey(t *testing.T) {
	e, base := newExporter(t, &fakeSource{height: 1}, export.WithSigner(newTestSigner(t)))
	_, err := e.Export(context.Background(), false)
	require.NoError(t, err)

	otherPub, err := newTestSigner(t).ArmoredPublicKey()
	require.NoError(t, err)

	_, err = export.VerifyBundle(os.DirFS(filepath.Join(base, "exports", "1.0.0")), string(otherPub))
	assert.Error(t, err)
}

func TestVerifyBundle_UnsignedWithKeyRequired(t *testing.T) {
	e, base := newExporter(t, &fakeSource{height: 1})
	_, err := e.Export(context.Background(), false)
	require.NoError(t, err)

	pub, err := newTestSigner(t).ArmoredPublicKey()
	require.NoError(t, err)

	_, err = export.VerifyBundle(os.DirFS(filepath.Join(base, "exports", "1.0.0")), string(pub))
	assert.ErrorContains(t, err, "not signed")
}

func TestExporter_FilesURLAndOpen(t *testing.T) {
	e, _ := newExporter(t, &fakeSource{height: 3})
	ctx := context.Background()
	_, err := e.Export(ctx, false)
	require.NoError(t, err)

	files, err := e.Files(ctx, "1.0.0")
	require.NoError(t, err)
	assert.Contains(t, files, export.RegistryFile)

	_, err = e.Files(ctx, "9.9.9")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Version and file names never climb out of the bundle directory.
	for _, ver := range []string{"..", "../exports", "1.0.0/.."} {
		_, err = e.Files(ctx, ver)
		assert.ErrorIs(t, err, storage.ErrNotFound, ver)
	}
	for _, name := range []string{"../latest.json", "/etc/passwd", "interfaces/../../latest.json", ""} {
		_, err = e.URL(ctx, "1.0.0", name, time.Minute)
		assert.ErrorIs(t, err, storage.ErrNotFound, name)
	}
	_, err = e.URL(ctx, "1.0.0", "interfaces/Agent.json", time.Minute)
	assert.NoError(t, err)

	url, err := e.URL(ctx, "1.0.0", export.RegistryFile, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api/v1/exports/files/exports/1.0.0/registry.json", url)

	rc, err := e.Open(ctx, "exports/1.0.0/registry.json")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte(`"translator"`)))

	_, err = e.Open(ctx, "exports/../secrets.txt")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLoadSigner(t *testing.T) {
	entity, err := openpgp.NewEntity("Market Exports", "", "exports@market.example", nil)
	require.NoError(t, err)

	var priv bytes.Buffer
	w, err := armor.Encode(&priv, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.SerializePrivate(w, nil))
	require.NoError(t, w.Close())

	signer, err := export.LoadSigner(priv.Bytes(), "")
	require.NoError(t, err)
	assert.Len(t, signer.KeyID(), 16)

	sig, err := signer.Sign([]byte("manifest"))
	require.NoError(t, err)

	pub, err := signer.ArmoredPublicKey()
	require.NoError(t, err)
	require.NoError(t, export.VerifySignature(string(pub), []byte("manifest"), sig))
	assert.Error(t, export.VerifySignature(string(pub), []byte("other"), sig))

	_, err = export.LoadSigner(pub, "")
	assert.ErrorContains(t, err, "no private key")

	_, err = export.LoadSigner([]byte("not a key"), "")
	assert.Error(t, err)
}
