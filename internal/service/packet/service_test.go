package packet

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/feichai0017/packet-processor/internal/agent"
	"github.com/feichai0017/packet-processor/internal/agent/document/text"
	"github.com/feichai0017/packet-processor/internal/agent/extractor"
	"github.com/feichai0017/packet-processor/internal/export"
	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/internal/pipeline"
	"github.com/feichai0017/packet-processor/internal/segment"
	"github.com/feichai0017/packet-processor/internal/store"
	"github.com/feichai0017/packet-processor/internal/utils/validator"
	"github.com/feichai0017/packet-processor/pkg/converters"
	"github.com/feichai0017/packet-processor/pkg/logger"
	"github.com/feichai0017/packet-processor/pkg/storage/local"
)

const packetText = `OSPEDALE DI ESEMPIO - CARDIOCHIRURGIA

ANAMNESI
Paziente iperteso, diabetico in terapia orale, ex fumatore dal 1990.

ECOCARDIOGRAMMA TRANSTORACICO
FE 35%, insufficienza mitralica severa, ventricolo sinistro dilatato.

INTERVENTO CARDIOCHIRURGICO
Plastica mitralica con anello protesico, CEC 95 minuti, clampaggio 70.

Ecocardiogramma transtoracico
Controllo post operatorio: FE 40%, anello normofunzionante, no leak.
`

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []models.ProcessingJob
	err  error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, job models.ProcessingJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fixture struct {
	svc     *Service
	store   store.Store
	blobs   *local.LocalStorage
	catalog *segment.Catalog
	engines *agent.ProcessorFactory
	conv    *converters.JSONConverter
}

func newFixture(t *testing.T, d pipeline.Dispatcher) *fixture {
	t.Helper()
	log := logger.NewNop()

	blobs, err := local.New(t.TempDir(), log)
	require.NoError(t, err)
	catalog, err := segment.LoadCatalog("")
	require.NoError(t, err)

	engines := agent.NewFactory(log)
	engines.Register(text.NewProcessor(), "text/plain")

	f := &fixture{
		store:   store.NewMemoryStore(),
		blobs:   blobs,
		catalog: catalog,
		engines: engines,
		conv:    converters.NewJSONConverter(),
	}
	f.svc = NewService(Deps{
		Store:      f.store,
		Storage:    blobs,
		Dispatcher: d,
		Validator:  validator.NewUploadValidator(log, validator.DefaultConfig(1<<20)),
		Catalog:    catalog,
		Engines:    engines,
		Exporter:   export.NewService(blobs, f.conv, log),
	}, log)
	return f
}

func formFile(t *testing.T, filename string, content []byte) (multipart.File, *multipart.FileHeader) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(&body, w.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)
	header := form.File["file"][0]
	file, err := header.Open()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = file.Close()
		_ = form.RemoveAll()
	})
	return file, header
}

func upload(t *testing.T, svc *Service, filename, content, patientID string, asPacket bool, docType string) (*models.UploadAck, error) {
	t.Helper()
	file, header := formFile(t, filename, []byte(content))
	return svc.Upload(context.Background(), UploadRequest{
		File:            file,
		Header:          header,
		PatientID:       patientID,
		ProcessAsPacket: asPacket,
		DocumentType:    docType,
	})
}

func TestUpload_PacketIsAcknowledgedAndQueued(t *testing.T) {
	d := &fakeDispatcher{}
	f := newFixture(t, d)

	ack, err := upload(t, f.svc, "cartella.txt", packetText, "P001", true, "")
	require.NoError(t, err)
	assert.Equal(t, &models.UploadAck{
		Filename:  "cartella.txt",
		PatientID: "P001",
		Status:    models.AckStatus,
		Message:   "Packet accepted, processing in background",
		Progress:  models.ProgressOCRStart,
	}, ack)

	rec, err := f.store.Get(context.Background(), "P001")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOCRStart, rec.Status)
	assert.Equal(t, models.ModePacket, rec.Mode)
	assert.Nil(t, rec.OCRText)
	assert.Equal(t, "text/plain", rec.Metadata.ContentType)
	assert.Equal(t, "cartella.txt", rec.Metadata.OriginalFilename)

	require.Len(t, d.jobs, 1)
	job := d.jobs[0]
	assert.Equal(t, rec.RunID, job.RunID)
	assert.Equal(t, UploadKey("P001", rec.RunID, "cartella.txt"), job.StorageKey)

	rc, err := f.blobs.Get(context.Background(), job.StorageKey)
	require.NoError(t, err)
	defer rc.Close()
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, packetText, string(stored))
}

func TestUpload_GeneratesPendingPatientID(t *testing.T) {
	f := newFixture(t, &fakeDispatcher{})

	ack, err := upload(t, f.svc, "cartella.txt", packetText, "  ", true, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ack.PatientID, "pending-"), ack.PatientID)

	_, err = f.store.Get(context.Background(), ack.PatientID)
	assert.NoError(t, err)
}

func TestUpload_SingleDocument(t *testing.T) {
	d := &fakeDispatcher{}
	f := newFixture(t, d)

	ack, err := upload(t, f.svc, "eco_post_op.txt", "FE 40%", "P002", false, "")
	require.NoError(t, err)
	assert.Equal(t, AckStatusSingle, ack.Status)
	require.Len(t, d.jobs, 1)
	assert.Equal(t, models.ModeSingle, d.jobs[0].Mode)
	assert.Equal(t, "eco_postoperatorio", d.jobs[0].DocumentType)

	_, err = upload(t, f.svc, "referto.txt", "testo", "P003", false, "Referto_Operatorio")
	require.NoError(t, err)
	assert.Equal(t, "intervento", d.jobs[1].DocumentType)
}

func TestUpload_Rejections(t *testing.T) {
	f := newFixture(t, &fakeDispatcher{})

	cases := []struct {
		name     string
		filename string
		content  string
		patient  string
		packet   bool
		docType  string
		want     error
	}{
		{"single without patient", "lettera.txt", "x", "", false, "", ErrInvalidInput},
		{"single with unknown type", "referto.txt", "x", "P1", false, "radiografia", ErrInvalidInput},
		{"single with undetectable type", "referto.txt", "x", "P1", false, "", ErrInvalidInput},
		{"malformed patient", "cartella.txt", "x", "../etc", true, "", ErrInvalidInput},
		{"empty file", "cartella.txt", "", "P1", true, "", validator.ErrEmptyFile},
		{"unsupported extension", "cartella.docx", "x", "P1", true, "", validator.ErrUnsupportedType},
		{"no engine for type", "cartella.pdf", "%PDF-1.4\n%\xe2\xe3\xcf\xd3\n", "P1", true, "", validator.ErrUnsupportedType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := upload(t, f.svc, tc.filename, tc.content, tc.patient, tc.packet, tc.docType)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, models.ErrUploadRejected)
		})
	}

	_, err := f.store.Get(context.Background(), "P1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpload_RejectsWhileRunInFlight(t *testing.T) {
	f := newFixture(t, &fakeDispatcher{})

	_, err := upload(t, f.svc, "cartella.txt", packetText, "P004", true, "")
	require.NoError(t, err)

	_, err = upload(t, f.svc, "cartella.txt", packetText, "P004", true, "")
	assert.ErrorIs(t, err, models.ErrUploadRejected)
	assert.NotErrorIs(t, err, ErrInvalidInput)
}

func TestUpload_DispatchFailureFailsRecord(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("queue unavailable")}
	f := newFixture(t, d)

	_, err := upload(t, f.svc, "cartella.txt", packetText, "P005", true, "")
	require.ErrorContains(t, err, "queue unavailable")

	rec, err := f.store.Get(context.Background(), "P005")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, []string{"dispatch: queue unavailable"}, rec.Errors)

	d.err = nil
	_, err = upload(t, f.svc, "cartella.txt", packetText, "P005", true, "")
	assert.NoError(t, err)
}

func TestQueries_UnknownPatient(t *testing.T) {
	f := newFixture(t, &fakeDispatcher{})
	ctx := context.Background()

	_, err := f.svc.GetStatus(ctx, "nobody")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.svc.GetOCRText(ctx, "nobody")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.svc.ExportXLSX(ctx, "nobody")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestQueries_BeforeOCR(t *testing.T) {
	f := newFixture(t, &fakeDispatcher{})
	ctx := context.Background()
	_, err := upload(t, f.svc, "cartella.txt", packetText, "P006", true, "")
	require.NoError(t, err)

	view, err := f.svc.GetStatus(ctx, "P006")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOCRStart, view.Status)
	assert.Equal(t, []string{}, view.SectionsFound)
	assert.Equal(t, []models.ProcessedDocument{}, view.DocumentsCreated)

	_, err = f.svc.GetOCRText(ctx, "P006")
	assert.ErrorIs(t, err, models.ErrNotReady)
	_, err = f.svc.ExportXLSX(ctx, "P006")
	assert.ErrorIs(t, err, models.ErrNotReady)
}

func TestEndToEnd_InProcessRunner(t *testing.T) {
	log := logger.NewNop()
	var f *fixture
	runner := pipeline.NewRunner(pipeline.JobHandlerFunc(func(ctx context.Context, job models.ProcessingJob) error {
		schema, err := extractor.NewValidator()
		if err != nil {
			return err
		}
		orch := pipeline.NewOrchestrator(
			f.store,
			pipeline.NewOCRStage(f.blobs, f.engines, 5*time.Second, 1, log),
			pipeline.NewSegmentStage(segment.New(f.catalog)),
			pipeline.NewSectionProcessor(extractor.NewKeywordExtractor(), schema, f.conv, f.blobs, 5*time.Second, 1, log),
			2, log,
		)
		return orch.Run(ctx, job)
	}), log, pipeline.WithWorkers(1))
	f = newFixture(t, runner)
	ctx := context.Background()

	const pollers = 4
	observed := make([][]models.StatusView, pollers)
	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				view, err := f.svc.GetStatus(ctx, "P007")
				if err == nil {
					observed[i] = append(observed[i], *view)
					if view.Status.IsTerminal() {
						return
					}
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	ack, err := upload(t, f.svc, "cartella.txt", packetText, "P007", true, "")
	require.NoError(t, err)
	assert.Less(t, ack.Progress, 100)

	wg.Wait()
	require.NoError(t, runner.Shutdown(ctx))

	for i, views := range observed {
		require.NotEmpty(t, views, "poller %d saw nothing", i)
		assert.True(t, views[len(views)-1].Status.IsTerminal(), "poller %d never saw the run finish", i)
		for j, v := range views {
			assertConsistentView(t, f.catalog.Len(), v)
			if j > 0 {
				assert.GreaterOrEqual(t, v.Progress, views[j-1].Progress, "poller %d saw progress go backwards", i)
			}
		}
	}

	view, err := f.svc.GetStatus(ctx, "P007")
	require.NoError(t, err)
	again, err := f.svc.GetStatus(ctx, "P007")
	require.NoError(t, err)
	assert.Equal(t, *view, *again)
	assert.Equal(t, models.StatusCompleted, view.Status)
	assert.Equal(t, 100, view.Progress)
	assert.Len(t, view.DocumentsCreated, len(view.SectionsFound))
	assert.Len(t, view.SectionsFound, 4)
	assert.Len(t, view.SectionsMissing, f.catalog.Len()-4)

	ocr, err := f.svc.GetOCRText(ctx, "P007")
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(packetText), strings.TrimSpace(ocr.OCRText))
	assert.Equal(t, "text/plain", ocr.Metadata.ContentType)

	data, err := f.svc.ExportXLSX(ctx, "P007")
	require.NoError(t, err)
	wb, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer wb.Close()
	assert.ElementsMatch(t, view.SectionsFound, wb.GetSheetList())
}

// assertConsistentView checks that a polled view is one committed state of
// the record and not a mix of two.
func assertConsistentView(t *testing.T, catalogLen int, v models.StatusView) {
	t.Helper()
	settled := len(v.DocumentsCreated) + len(v.Errors)
	switch v.Status {
	case models.StatusOCRStart:
		assert.Equal(t, models.ProgressOCRStart, v.Progress)
		assert.Empty(t, v.SectionsFound)
	case models.StatusSegmenting:
		assert.Equal(t, models.ProgressSegmenting, v.Progress)
		assert.Empty(t, v.SectionsFound)
	case models.StatusProcessingSections:
		assert.Equal(t, catalogLen, len(v.SectionsFound)+len(v.SectionsMissing))
		assert.LessOrEqual(t, settled, len(v.SectionsFound))
		assert.Equal(t, models.SectionProgress(settled, len(v.SectionsFound)), v.Progress)
	case models.StatusCompleted, models.StatusCompletedWithErrors:
		assert.Equal(t, models.ProgressDone, v.Progress)
		assert.Equal(t, catalogLen, len(v.SectionsFound)+len(v.SectionsMissing))
		assert.Equal(t, len(v.SectionsFound), settled)
	default:
		t.Errorf("unexpected status %q", v.Status)
	}
}
