package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"loanpipe/internal/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestJPEG(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for x := 0; x < 64; x++ {
		for y := 0; y < 64; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: uint8((x + y) * 2), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

type documentFixture struct {
	docs        *fakeDocumentRepo
	audit       *fakeAuditRepo
	api         *fakeLoanAPI
	transferrer *fakeTransferrer
	svc         DocumentService
}

func newDocumentFixture(cfg DocumentConfig) *documentFixture {
	f := &documentFixture{
		docs:        newFakeDocumentRepo(),
		audit:       &fakeAuditRepo{},
		api:         &fakeLoanAPI{},
		transferrer: &fakeTransferrer{},
	}
	f.svc = NewDocumentService(f.docs, f.audit, f.api, f.transferrer, cfg)
	return f
}

func (f *documentFixture) seedDocument(t *testing.T, path string, status model.DocumentStatus) uuid.UUID {
	t.Helper()
	doc := &model.PendingDocumentUpload{
		SubmissionID:  uuid.New(),
		DocumentKind:  model.DocKindIdentityCard,
		LocalFilePath: path,
		ContentType:   "image/jpeg",
		Status:        status,
	}
	require.NoError(t, f.docs.Create(context.Background(), doc))
	return doc.ID
}

func TestProcessUploadsSmallFileWithoutCompression(t *testing.T) {
	path := writeTestJPEG(t, t.TempDir(), "id.jpg")
	cfg := DefaultDocumentConfig()
	f := newDocumentFixture(cfg)
	id := f.seedDocument(t, path, model.DocumentPending)

	require.NoError(t, f.svc.Process(context.Background(), id, "LOAN-1"))

	doc, err := f.docs.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentCompleted, doc.Status)
	assert.Nil(t, doc.CompressedFilePath, "small files must not be compressed")
	require.NotNil(t, doc.RemoteDocumentID)
	assert.Equal(t, "DOC-"+model.DocKindIdentityCard, *doc.RemoteDocumentID)
	assert.Equal(t, []string{path}, f.transferrer.paths)
	assert.Contains(t, f.audit.actions(), model.ActionDocumentCompleted)
}

func TestProcessCompressesOversizedFile(t *testing.T) {
	path := writeTestJPEG(t, t.TempDir(), "big.jpg")
	cfg := DefaultDocumentConfig()
	cfg.CompressThreshold = 1 // force the compression branch
	f := newDocumentFixture(cfg)
	id := f.seedDocument(t, path, model.DocumentPending)

	require.NoError(t, f.svc.Process(context.Background(), id, "LOAN-1"))

	doc, err := f.docs.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentCompleted, doc.Status)
	require.NotNil(t, doc.CompressedFilePath)
	assert.FileExists(t, *doc.CompressedFilePath)
	assert.Equal(t, []string{*doc.CompressedFilePath}, f.transferrer.paths, "upload must use the compressed copy")
	assert.FileExists(t, path, "original stays on disk")
}

func TestProcessRecordsRetriableFailure(t *testing.T) {
	path := writeTestJPEG(t, t.TempDir(), "id.jpg")
	f := newDocumentFixture(DefaultDocumentConfig())
	f.transferrer.err = errors.New("connection reset")
	id := f.seedDocument(t, path, model.DocumentPending)

	require.NoError(t, f.svc.Process(context.Background(), id, "LOAN-1"))

	doc, err := f.docs.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentPending, doc.Status)
	assert.Equal(t, 1, doc.RetryCount)
	assert.Contains(t, doc.FailureReason, "connection reset")
}

func TestProcessParksFailedAfterBudget(t *testing.T) {
	path := writeTestJPEG(t, t.TempDir(), "id.jpg")
	cfg := DefaultDocumentConfig()
	cfg.MaxRetries = 2
	f := newDocumentFixture(cfg)
	f.transferrer.err = errors.New("still broken")
	id := f.seedDocument(t, path, model.DocumentPending)

	require.NoError(t, f.svc.Process(context.Background(), id, "LOAN-1"))
	require.NoError(t, f.svc.Process(context.Background(), id, "LOAN-1"))

	doc, err := f.docs.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentFailed, doc.Status)
	assert.Equal(t, 2, doc.RetryCount)

	// FAILED is terminal for automatic processing.
	require.NoError(t, f.svc.Process(context.Background(), id, "LOAN-1"))
	assert.Equal(t, 2, f.transferrer.calls)
}

func TestProcessMissingDocumentIsNoop(t *testing.T) {
	f := newDocumentFixture(DefaultDocumentConfig())
	require.NoError(t, f.svc.Process(context.Background(), uuid.New(), "LOAN-1"))
	assert.Zero(t, f.transferrer.calls)
}

func TestProcessCompletedDocumentIsNotReuploaded(t *testing.T) {
	path := writeTestJPEG(t, t.TempDir(), "id.jpg")
	f := newDocumentFixture(DefaultDocumentConfig())
	id := f.seedDocument(t, path, model.DocumentPending)
	require.NoError(t, f.docs.MarkCompleted(context.Background(), id, "DOC-1", "key"))

	require.NoError(t, f.svc.Process(context.Background(), id, "LOAN-1"))
	assert.Zero(t, f.transferrer.calls)
}

func TestProcessAllBarrierResults(t *testing.T) {
	dir := t.TempDir()
	f := newDocumentFixture(DefaultDocumentConfig())
	submissionID := uuid.New()

	docA := &model.PendingDocumentUpload{
		SubmissionID:  submissionID,
		DocumentKind:  model.DocKindIdentityCard,
		LocalFilePath: writeTestJPEG(t, dir, "a.jpg"),
		ContentType:   "image/jpeg",
		Status:        model.DocumentPending,
	}
	docB := &model.PendingDocumentUpload{
		SubmissionID:  submissionID,
		DocumentKind:  model.DocKindSelfie,
		LocalFilePath: writeTestJPEG(t, dir, "b.jpg"),
		ContentType:   "image/jpeg",
		Status:        model.DocumentPending,
	}
	require.NoError(t, f.docs.Create(context.Background(), docA))
	require.NoError(t, f.docs.Create(context.Background(), docB))

	result, err := f.svc.ProcessAll(context.Background(), submissionID, "LOAN-1")
	require.NoError(t, err)
	assert.Equal(t, BatchAllCompleted, result)
	assert.Equal(t, 2, f.transferrer.calls)
}

func TestProcessAllReportsRetriable(t *testing.T) {
	dir := t.TempDir()
	f := newDocumentFixture(DefaultDocumentConfig())
	f.transferrer.err = errors.New("flaky network")
	id := f.seedDocument(t, writeTestJPEG(t, dir, "a.jpg"), model.DocumentPending)

	doc, err := f.docs.GetByID(context.Background(), id)
	require.NoError(t, err)

	result, err := f.svc.ProcessAll(context.Background(), doc.SubmissionID, "LOAN-1")
	require.NoError(t, err)
	assert.Equal(t, BatchSomeRetriable, result)
}

func TestProcessAllReportsHardFailure(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultDocumentConfig()
	cfg.MaxRetries = 1
	f := newDocumentFixture(cfg)
	f.transferrer.err = errors.New("permanent")
	id := f.seedDocument(t, writeTestJPEG(t, dir, "a.jpg"), model.DocumentPending)

	doc, err := f.docs.GetByID(context.Background(), id)
	require.NoError(t, err)

	result, err := f.svc.ProcessAll(context.Background(), doc.SubmissionID, "LOAN-1")
	require.NoError(t, err)
	assert.Equal(t, BatchHardFailure, result)
}

func TestSweepRemovesAgedArtifacts(t *testing.T) {
	dir := t.TempDir()
	f := newDocumentFixture(DefaultDocumentConfig())

	original := writeTestJPEG(t, dir, "old.jpg")
	compressed := writeTestJPEG(t, dir, "old_compressed.jpg")
	doc := &model.PendingDocumentUpload{
		SubmissionID:       uuid.New(),
		DocumentKind:       model.DocKindPayslip,
		LocalFilePath:      original,
		CompressedFilePath: &compressed,
		ContentType:        "image/jpeg",
		Status:             model.DocumentCompleted,
		UpdatedAt:          time.Now().Add(-30 * 24 * time.Hour),
	}
	require.NoError(t, f.docs.Create(context.Background(), doc))

	swept, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.NoFileExists(t, original)
	assert.NoFileExists(t, compressed)

	stored, err := f.docs.GetByID(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.CompressedFilePath)
}

func TestSweepSkipsRecentDocuments(t *testing.T) {
	dir := t.TempDir()
	f := newDocumentFixture(DefaultDocumentConfig())

	path := writeTestJPEG(t, dir, "fresh.jpg")
	doc := &model.PendingDocumentUpload{
		SubmissionID:  uuid.New(),
		DocumentKind:  model.DocKindPayslip,
		LocalFilePath: path,
		ContentType:   "image/jpeg",
		Status:        model.DocumentCompleted,
		UpdatedAt:     time.Now(),
	}
	require.NoError(t, f.docs.Create(context.Background(), doc))

	swept, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, swept)
	assert.FileExists(t, path)
}
