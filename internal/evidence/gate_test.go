package evidence

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"

	"legend/api/internal/store"
)

type fakeStatter struct {
	objects map[string]int64
	err     error
}

func (f *fakeStatter) StatObject(_ context.Context, _, object string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	if f.err != nil {
		return minio.ObjectInfo{}, f.err
	}
	size, ok := f.objects[object]
	if !ok {
		return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", Message: "object not found"}
	}
	return minio.ObjectInfo{Key: object, Size: size}, nil
}

func testGate(statter objectStatter) *Gate {
	return &Gate{client: statter, bucket: "evidence", maxSize: 1 << 20}
}

func validRef() *store.EvidenceRef {
	return &store.EvidenceRef{
		Hash:    "sha256:" + strings.Repeat("ab", 32),
		Locator: "evidence/decl-1/certificate.pdf",
		Mime:    "application/pdf",
	}
}

func TestValidateOK(t *testing.T) {
	gate := testGate(&fakeStatter{objects: map[string]int64{"decl-1/certificate.pdf": 1024}})
	if err := gate.Validate(context.Background(), validRef()); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidateNilRef(t *testing.T) {
	gate := testGate(&fakeStatter{})
	if err := gate.Validate(context.Background(), nil); !errors.Is(err, ErrInvalidEvidence) {
		t.Errorf("expected ErrInvalidEvidence, got %v", err)
	}
}

func TestValidateBadHash(t *testing.T) {
	gate := testGate(&fakeStatter{})
	for _, hash := range []string{"", "sha256:short", "md5:" + strings.Repeat("ab", 32), strings.Repeat("ab", 32)} {
		ref := validRef()
		ref.Hash = hash
		if err := gate.Validate(context.Background(), ref); !errors.Is(err, ErrInvalidEvidence) {
			t.Errorf("hash %q: expected ErrInvalidEvidence, got %v", hash, err)
		}
	}
}

func TestValidateBadMime(t *testing.T) {
	gate := testGate(&fakeStatter{})
	ref := validRef()
	ref.Mime = "application/x-executable"
	if err := gate.Validate(context.Background(), ref); !errors.Is(err, ErrInvalidEvidence) {
		t.Errorf("expected ErrInvalidEvidence, got %v", err)
	}
}

func TestValidateBadLocator(t *testing.T) {
	gate := testGate(&fakeStatter{})
	ref := validRef()
	ref.Locator = "evidence/../secrets/key"
	if err := gate.Validate(context.Background(), ref); !errors.Is(err, ErrInvalidEvidence) {
		t.Errorf("expected ErrInvalidEvidence, got %v", err)
	}
}

func TestValidateMissingObject(t *testing.T) {
	gate := testGate(&fakeStatter{objects: map[string]int64{}})
	if err := gate.Validate(context.Background(), validRef()); !errors.Is(err, ErrEvidenceMissing) {
		t.Errorf("expected ErrEvidenceMissing, got %v", err)
	}
}

func TestValidateOversizedObject(t *testing.T) {
	gate := testGate(&fakeStatter{objects: map[string]int64{"decl-1/certificate.pdf": 2 << 20}})
	if err := gate.Validate(context.Background(), validRef()); !errors.Is(err, ErrInvalidEvidence) {
		t.Errorf("expected ErrInvalidEvidence, got %v", err)
	}
}

func TestValidateNoClientFailsClosed(t *testing.T) {
	gate := &Gate{bucket: "evidence", maxSize: 1 << 20}
	if err := gate.Validate(context.Background(), validRef()); !errors.Is(err, ErrInvalidEvidence) {
		t.Errorf("expected ErrInvalidEvidence, got %v", err)
	}
}
