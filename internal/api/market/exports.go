package market

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agent-market/agent-market/internal/api/respond"
	"github.com/agent-market/agent-market/internal/export"
	"github.com/agent-market/agent-market/internal/storage"
)

// ExportReader is the read side of the exporter.
type ExportReader interface {
	Latest(ctx context.Context) (*export.Latest, error)
	Versions(ctx context.Context) ([]string, error)
	Files(ctx context.Context, version string) ([]string, error)
	URL(ctx context.Context, version, name string, ttl time.Duration) (string, error)
	Open(ctx context.Context, objectPath string) (io.ReadCloser, error)
	Signer() *export.Signer
}

const exportURLTTL = 15 * time.Minute

// ExportHandlers serves published export bundles. A nil reader means exports
// are disabled and every endpoint answers 404.
type ExportHandlers struct {
	exports ExportReader
}

// NewExportHandlers creates export handlers.
func NewExportHandlers(exports ExportReader) *ExportHandlers {
	return &ExportHandlers{exports: exports}
}

func (h *ExportHandlers) enabled(c *gin.Context) bool {
	if h.exports == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Exports are not enabled"})
		return false
	}
	return true
}

// @Summary      List exports
// @Tags         Exports
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "latest, versions"
// @Failure      404  {object}  map[string]interface{}  "Exports are not enabled"
// @Router       /api/v1/exports [get]
// ListExports returns the published versions and the latest pointer.
// GET /api/v1/exports
func (h *ExportHandlers) ListExports(c *gin.Context) {
	if !h.enabled(c) {
		return
	}
	ctx := c.Request.Context()
	latest, err := h.exports.Latest(ctx)
	if err != nil {
		respond.Error(c, err)
		return
	}
	versions, err := h.exports.Versions(ctx)
	if err != nil {
		respond.Error(c, err)
		return
	}
	if versions == nil {
		versions = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"latest": latest, "versions": versions})
}

// @Summary      Get export
// @Tags         Exports
// @Produce      json
// @Param        version  path  string  true  "Bundle version (MAJOR.MINOR.PATCH)"
// @Success      200  {object}  map[string]interface{}  "version, files"
// @Failure      400  {object}  map[string]interface{}  "Invalid version"
// @Failure      404  {object}  map[string]interface{}  "Export not found"
// @Router       /api/v1/exports/versions/{version} [get]
// GetExport lists the files of one bundle with fetchable URLs.
// GET /api/v1/exports/versions/:version
func (h *ExportHandlers) GetExport(c *gin.Context) {
	if !h.enabled(c) {
		return
	}
	ctx := c.Request.Context()
	version := c.Param("version")
	if !export.ValidVersion(version) {
		respond.BadRequest(c, "version must be MAJOR.MINOR.PATCH")
		return
	}
	files, err := h.exports.Files(ctx, version)
	if err != nil {
		respond.Error(c, err)
		return
	}

	out := make([]gin.H, 0, len(files))
	for _, name := range files {
		url, err := h.exports.URL(ctx, version, name, exportURLTTL)
		if err != nil {
			respond.Error(c, err)
			return
		}
		out = append(out, gin.H{"name": name, "url": url})
	}
	c.JSON(http.StatusOK, gin.H{"version": version, "files": out})
}

// @Summary      Export signing key
// @Tags         Exports
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "Armored OpenPGP public key"
// @Failure      404  {object}  map[string]interface{}  "Exports are not signed"
// @Router       /api/v1/exports/public-key [get]
// PublicKey returns the armored key that signs SHA256SUMS.
// GET /api/v1/exports/public-key
func (h *ExportHandlers) PublicKey(c *gin.Context) {
	if !h.enabled(c) {
		return
	}
	signer := h.exports.Signer()
	if signer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Exports are not signed"})
		return
	}
	key, err := signer.ArmoredPublicKey()
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.Header("X-Key-ID", signer.KeyID())
	c.Data(http.StatusOK, "application/pgp-keys", key)
}

// @Summary      Download export file
// @Tags         Exports
// @Produce      json
// @Param        path  path  string  true  "Object path"
// @Success      200  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}  "File not found"
// @Router       /api/v1/exports/files/{path} [get]
// ServeFile streams a stored export object. Local storage hands out URLs
// pointing here.
// GET /api/v1/exports/files/*path
func (h *ExportHandlers) ServeFile(c *gin.Context) {
	if !h.enabled(c) {
		return
	}
	objectPath := c.Param("path")
	rc, err := h.exports.Open(c.Request.Context(), objectPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
			return
		}
		respond.Error(c, err)
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(objectPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", "attachment; filename="+path.Base(objectPath))
	c.DataFromReader(http.StatusOK, -1, contentType, rc, nil)
}
