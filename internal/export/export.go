// Package export produces signed, versioned, expiring mesh exports.
package export

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/orthogenesis/recon-cli/internal/blob"
	"github.com/orthogenesis/recon-cli/internal/mesh"
	"github.com/orthogenesis/recon-cli/internal/meshproc"
	"github.com/orthogenesis/recon-cli/internal/model"
	"github.com/orthogenesis/recon-cli/internal/resilience"
	"github.com/orthogenesis/recon-cli/internal/store"
)

// DefaultTTL is how long an export stays downloadable.
const DefaultTTL = 72 * time.Hour

const maxVersionAttempts = 16

var (
	ErrArtifactNotFound = eris.New("export: artifact not found")
	ErrArtifactExpired  = eris.New("export: artifact expired")
	ErrBadSignature     = eris.New("export: signature mismatch")
	ErrBadChecksum      = eris.New("export: checksum mismatch")
)

// Formats lists the accepted export formats.
var Formats = []string{"stl", "obj", "gltf"}

// NormalizeFormat lowercases format and maps glb to gltf. Anything outside
// Formats is a permanent error.
func NormalizeFormat(format string) (string, error) {
	f := strings.ToLower(strings.TrimSpace(format))
	if f == "glb" {
		f = "gltf"
	}
	for _, ok := range Formats {
		if f == ok {
			return f, nil
		}
	}
	return "", resilience.Permanent(eris.Errorf("export: unsupported format %q", format))
}

// ProfileFor returns the post-processing profile used for an export format.
func ProfileFor(format string) string {
	if format == "stl" {
		return "print"
	}
	return "clinical"
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sign returns the hex HMAC-SHA256 of the hex checksum under secret.
func Sign(checksum string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(checksum))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches checksum under secret.
func Verify(signature, checksum string, secret []byte) bool {
	want, err := hex.DecodeString(Sign(checksum, secret))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

// VerifyArtifact checks downloaded bytes against the recorded checksum and
// signature.
func VerifyArtifact(data []byte, checksum, signature string, secret []byte) error {
	if !strings.EqualFold(Checksum(data), checksum) {
		return ErrBadChecksum
	}
	if !Verify(signature, strings.ToLower(checksum), secret) {
		return ErrBadSignature
	}
	return nil
}

// Store is the persistence the exporter needs.
type Store interface {
	store.ReconstructionStore
	store.ArtifactStore
}

// Exporter converts reconstruction meshes into signed export artifacts.
type Exporter struct {
	store  Store
	blobs  blob.Store
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewExporter creates an Exporter. A non-positive ttl uses DefaultTTL.
func NewExporter(st Store, blobs blob.Store, secret string, ttl time.Duration) *Exporter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Exporter{store: st, blobs: blobs, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Export converts the reconstruction's mesh to format and records a new
// artifact version.
func (e *Exporter) Export(ctx context.Context, reconstructionID, format string) (*model.ExportArtifact, error) {
	format, err := NormalizeFormat(format)
	if err != nil {
		return nil, err
	}
	rec, err := e.store.GetReconstruction(ctx, reconstructionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, resilience.Permanent(err)
		}
		return nil, eris.Wrap(err, "export: load reconstruction")
	}
	if rec.MeshKey == "" || rec.Status != model.ReconstructionComplete {
		return nil, resilience.Permanent(eris.Errorf("export: reconstruction %s not ready for export", reconstructionID))
	}

	src, err := e.blobs.Read(ctx, rec.MeshKey)
	if err != nil {
		return nil, eris.Wrapf(err, "export: read mesh %s", rec.MeshKey)
	}
	out, err := mesh.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	converted, err := meshproc.Convert(src, string(mesh.FormatGLB), string(out), ProfileFor(format))
	if err != nil {
		return nil, eris.Wrap(err, "export: convert")
	}

	// The key is unique per artifact, so concurrent exports never share a
	// blob even while they race for a version number.
	now := e.now().UTC()
	checksum := Checksum(converted)
	artifact := &model.ExportArtifact{
		ID:               store.NewID(),
		ReconstructionID: rec.ID,
		Format:           format,
		ChecksumSHA256:   checksum,
		Signature:        Sign(checksum, e.secret),
		Status:           model.ExportReady,
		ExpiresAt:        now.Add(e.ttl),
		CreatedAt:        now,
	}
	artifact.FileKey = blob.ExportKey(rec.ID, artifact.ID, out.Extension())
	if err := e.blobs.Write(ctx, artifact.FileKey, converted); err != nil {
		return nil, eris.Wrapf(err, "export: write %s", artifact.FileKey)
	}
	if err := e.record(ctx, artifact); err != nil {
		return nil, err
	}

	zap.L().Info("export created",
		zap.String("reconstruction_id", rec.ID),
		zap.String("artifact_id", artifact.ID),
		zap.String("format", format),
		zap.Int("version", artifact.Version),
		zap.Int("bytes", len(converted)),
	)
	return artifact, nil
}

// record inserts a under the next free version for its reconstruction and
// format. A concurrent export that took the same version makes the insert
// fail with store.ErrConflict, and the count is taken again.
func (e *Exporter) record(ctx context.Context, a *model.ExportArtifact) error {
	for range maxVersionAttempts {
		count, err := e.store.CountArtifacts(ctx, a.ReconstructionID, a.Format)
		if err != nil {
			return eris.Wrap(err, "export: count versions")
		}
		a.Version = count + 1
		err = e.store.CreateArtifact(ctx, a)
		if errors.Is(err, store.ErrConflict) {
			zap.L().Debug("export version taken, recounting",
				zap.String("reconstruction_id", a.ReconstructionID),
				zap.Int("version", a.Version),
			)
			continue
		}
		return eris.Wrap(err, "export: record artifact")
	}
	return eris.Errorf("export: no free version for %s %s after %d attempts", a.ReconstructionID, a.Format, maxVersionAttempts)
}

// Fetch returns a live artifact and its bytes. Unknown artifacts give
// ErrArtifactNotFound and expired ones ErrArtifactExpired.
func (e *Exporter) Fetch(ctx context.Context, artifactID string) (*model.ExportArtifact, []byte, error) {
	a, err := e.store.GetArtifact(ctx, artifactID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, nil, eris.Wrap(err, "export: load artifact")
	}
	if a.Expired(e.now()) {
		return a, nil, ErrArtifactExpired
	}
	data, err := e.blobs.Read(ctx, a.FileKey)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "export: read %s", a.FileKey)
	}
	return a, data, nil
}

// List returns the reconstruction's artifacts, newest first.
func (e *Exporter) List(ctx context.Context, reconstructionID string) ([]model.ExportArtifact, error) {
	if _, err := e.store.GetReconstruction(ctx, reconstructionID); err != nil {
		return nil, err
	}
	return e.store.ListArtifacts(ctx, reconstructionID)
}
