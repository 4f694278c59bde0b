// Package evidence validates evidence references attached to hard death
// declarations before they enter review.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/minio/minio-go/v7"

	"legend/api/internal/store"
)

var (
	ErrInvalidEvidence = errors.New("invalid evidence")
	ErrEvidenceMissing = errors.New("evidence object not found")
)

var hashPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

var allowedMimes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
	"text/plain":      true,
}

// objectStatter is the slice of the MinIO client the gate needs.
type objectStatter interface {
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// Gate checks that an evidence reference is well formed and points at an
// object that actually exists in the evidence bucket.
type Gate struct {
	client  objectStatter
	bucket  string
	maxSize int64
}

func NewGate(client *minio.Client, bucket string, maxSize int64) *Gate {
	if maxSize <= 0 {
		maxSize = 32 << 20
	}
	g := &Gate{bucket: bucket, maxSize: maxSize}
	if client != nil {
		g.client = client
	}
	return g
}

// Validate rejects malformed references before touching storage, then
// confirms the object exists and is within the size bound. With no client
// configured the gate fails closed rather than waving evidence through.
func (g *Gate) Validate(ctx context.Context, ref *store.EvidenceRef) error {
	if ref == nil {
		return fmt.Errorf("%w: evidence reference required", ErrInvalidEvidence)
	}
	if !hashPattern.MatchString(ref.Hash) {
		return fmt.Errorf("%w: hash must be sha256:<64 hex>", ErrInvalidEvidence)
	}
	if !allowedMimes[strings.ToLower(ref.Mime)] {
		return fmt.Errorf("%w: mime type %q not allowed", ErrInvalidEvidence, ref.Mime)
	}
	object := strings.TrimPrefix(ref.Locator, g.bucket+"/")
	if object == "" || strings.Contains(object, "..") {
		return fmt.Errorf("%w: bad locator %q", ErrInvalidEvidence, ref.Locator)
	}

	if g.client == nil {
		return fmt.Errorf("%w: evidence store not configured", ErrInvalidEvidence)
	}
	info, err := g.client.StatObject(ctx, g.bucket, object, minio.StatObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return fmt.Errorf("%w: %s", ErrEvidenceMissing, ref.Locator)
		}
		return fmt.Errorf("stat evidence object: %w", err)
	}
	if info.Size > g.maxSize {
		return fmt.Errorf("%w: object exceeds %d bytes", ErrInvalidEvidence, g.maxSize)
	}
	return nil
}
