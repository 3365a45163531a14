package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abroad-docs-go/internal/chunker"
	"abroad-docs-go/internal/config"
	"abroad-docs-go/internal/extractor"
	"abroad-docs-go/internal/model"
	"abroad-docs-go/internal/repository"
	"abroad-docs-go/internal/vectorstore"
	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/embedding"
	"abroad-docs-go/pkg/ocr"
	"abroad-docs-go/pkg/storage"
	"abroad-docs-go/pkg/tasks"
)

type fakeProvider struct {
	calls  int
	err    error
	before func(ctx context.Context)
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "fake-embed" }

func (f *fakeProvider) Embed(ctx context.Context, texts []string, _ embedding.InputKind) ([][]float32, int, error) {
	f.calls++
	if f.before != nil {
		f.before(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if f.err != nil {
		return nil, 0, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, 0, nil
}

type fakeOCR struct {
	text string
	err  error
}

func (f fakeOCR) Name() string { return "fake-ocr" }

func (f fakeOCR) Recognize(context.Context, []byte, string, string) (*ocr.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ocr.Result{Provider: "fake-ocr", Text: f.text, Confidence: 87.5}, nil
}

type env struct {
	docs     *repository.MemoryDocumentRepository
	jobs     *repository.MemoryJobRepository
	progress *repository.MemoryProgressRepository
	objects  *storage.MemoryStore
	store    *vectorstore.MemoryStore
	provider *fakeProvider
	proc     *Processor
}

func newEnv(t *testing.T, ocrProvider ocr.Provider) *env {
	t.Helper()
	e := &env{
		docs:     repository.NewMemoryDocumentRepository(),
		jobs:     repository.NewMemoryJobRepository(),
		progress: repository.NewMemoryProgressRepository(),
		objects:  storage.NewMemoryStore(),
		store:    vectorstore.NewMemoryStore(),
		provider: &fakeProvider{},
	}
	gen := embedding.NewGenerator(e.provider, config.EmbeddingConfig{BatchSize: 2, Normalize: true}, nil)
	chunking := config.ChunkingConfig{Strategy: "recursive", ChunkSize: 1000, ChunkOverlap: 200, MinChunkSize: 100, MaxChunkSize: 1000}
	e.proc = NewProcessor(e.docs, e.jobs, e.progress, e.objects, extractor.NewDefaultRegistry(nil),
		ocrProvider, gen, e.store, chunking, "eng", nil)
	return e
}

// seed 写入一个待处理文档及其原始文件，返回对应的任务。
func (e *env) seed(t *testing.T, docType model.DocType, data []byte, opts model.ProcessingOptions) tasks.DocumentProcessingTask {
	t.Helper()
	ctx := context.Background()
	object := "documents/alice/" + string(docType)
	require.NoError(t, e.objects.Put(ctx, object, data, "application/octet-stream"))
	doc := &model.Document{
		TrackingID: "t-" + string(docType),
		OwnerID:    "alice",
		FileName:   "file." + string(docType),
		DocType:    docType,
		MimeType:   "application/octet-stream",
		ObjectName: object,
		Tags:       []string{"uk"},
		Options:    opts,
		Status:     model.StatusPending,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, e.docs.Create(ctx, doc))
	job := &model.ProcessingJob{ID: "job-" + string(docType), TrackingID: doc.TrackingID, OwnerID: "alice"}
	require.NoError(t, e.jobs.Create(ctx, job))
	return tasks.DocumentProcessingTask{JobID: job.ID, TrackingID: doc.TrackingID, OwnerID: "alice", ObjectName: object, FileName: doc.FileName}
}

func (e *env) job(t *testing.T, trackingID string) model.ProcessingJob {
	jobs, err := e.jobs.ListByTrackingID(context.Background(), trackingID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func TestProcessTextDocument(t *testing.T) {
	e := newEnv(t, nil)
	text := strings.Repeat("Studying abroad requires careful planning of finances and visas. ", 40)
	task := e.seed(t, model.DocTypeText, []byte(text), model.ProcessingOptions{})

	require.NoError(t, e.proc.Process(context.Background(), task))

	doc, err := e.docs.FindByTrackingID(context.Background(), "alice", task.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, doc.Status)
	assert.Equal(t, "fake-embed", doc.EmbeddingModel)
	assert.Equal(t, 2, doc.Dimensions)
	assert.Greater(t, doc.ChunkCount, 1)
	assert.NotNil(t, doc.ProcessedAt)

	n, _ := e.store.Count(context.Background(), "alice")
	assert.Equal(t, int64(doc.ChunkCount), n)
	hits, err := e.store.VectorSearch(context.Background(), "alice", []float32{1, 0}, vectorstore.Filter{Tags: []string{"uk"}}, 100)
	require.NoError(t, err)
	require.Len(t, hits, doc.ChunkCount)
	assert.Equal(t, "fake-embed", hits[0].Chunk.EmbeddingModel)
	assert.Len(t, hits[0].Chunk.ContentHash, 64)

	assert.Equal(t, model.JobSucceeded, e.job(t, task.TrackingID).State)
	_, ok, _ := e.progress.Get(context.Background(), task.TrackingID)
	assert.False(t, ok)
}

func TestProcessSkipEmbedding(t *testing.T) {
	e := newEnv(t, nil)
	task := e.seed(t, model.DocTypeText, []byte("GPA requirements for the MSc programme are listed below."), model.ProcessingOptions{SkipEmbedding: true})

	require.NoError(t, e.proc.Process(context.Background(), task))
	assert.Zero(t, e.provider.calls)

	hits, err := e.store.KeywordSearch(context.Background(), "alice", "gpa", vectorstore.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Nil(t, hits[0].Chunk.Embedding)

	doc, _ := e.docs.FindByTrackingID(context.Background(), "alice", task.TrackingID)
	assert.Equal(t, model.StatusCompleted, doc.Status)
	assert.Empty(t, doc.EmbeddingModel)
}

func TestProcessEmptyTextFails(t *testing.T) {
	e := newEnv(t, nil)
	task := e.seed(t, model.DocTypeText, []byte("  \n\n  "), model.ProcessingOptions{})

	err := e.proc.Process(context.Background(), task)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindEmptyContent))

	doc, _ := e.docs.FindByTrackingID(context.Background(), "alice", task.TrackingID)
	assert.Equal(t, model.StatusFailed, doc.Status)
	require.Len(t, doc.Errors, 1)
	assert.Equal(t, model.StageExtraction, doc.Errors[0].Stage)
	assert.Equal(t, model.JobFailed, e.job(t, task.TrackingID).State)
}

func TestProcessImageUsesOCR(t *testing.T) {
	e := newEnv(t, fakeOCR{text: "Certificate of Enrollment issued by the University of Toronto."})
	task := e.seed(t, model.DocTypeImage, []byte{0x89, 'P', 'N', 'G'}, model.ProcessingOptions{})

	require.NoError(t, e.proc.Process(context.Background(), task))
	doc, _ := e.docs.FindByTrackingID(context.Background(), "alice", task.TrackingID)
	assert.Equal(t, model.StatusCompleted, doc.Status)
	assert.True(t, doc.UsedOCR)
	assert.InDelta(t, 87.5, doc.OCRConfidence, 1e-9)
	assert.Equal(t, 1, doc.ChunkCount)
}

func TestProcessOCRFailureWithoutText(t *testing.T) {
	e := newEnv(t, fakeOCR{err: apperr.Provider("vision", "quota exceeded", nil)})
	task := e.seed(t, model.DocTypeImage, []byte{0x89, 'P', 'N', 'G'}, model.ProcessingOptions{})

	err := e.proc.Process(context.Background(), task)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindProvider))
	doc, _ := e.docs.FindByTrackingID(context.Background(), "alice", task.TrackingID)
	assert.Equal(t, model.StatusFailed, doc.Status)
	assert.Equal(t, model.StageOCR, doc.Errors[0].Stage)
}

func TestProcessImageWithoutOCRProvider(t *testing.T) {
	e := newEnv(t, nil)
	task := e.seed(t, model.DocTypeImage, []byte{0x89, 'P', 'N', 'G'}, model.ProcessingOptions{})

	err := e.proc.Process(context.Background(), task)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindEmptyContent), err.Error())
	doc, _ := e.docs.FindByTrackingID(context.Background(), "alice", task.TrackingID)
	assert.Equal(t, model.StatusFailed, doc.Status)
	assert.Equal(t, model.StageOCR, doc.Errors[0].Stage)
}

func TestProcessInterruptedByShutdown(t *testing.T) {
	e := newEnv(t, nil)
	task := e.seed(t, model.DocTypeText, []byte(strings.Repeat("Accommodation contract clause. ", 100)), model.ProcessingOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// 消费者退出时取消 ctx，文档本身仍然存在
	e.provider.before = func(context.Context) { cancel() }

	err := e.proc.Process(ctx, task)
	require.Error(t, err)

	doc, _ := e.docs.FindByTrackingID(context.Background(), "alice", task.TrackingID)
	assert.Equal(t, model.StatusFailed, doc.Status)
	require.Len(t, doc.Errors, 1)
	assert.Equal(t, model.StageQueue, doc.Errors[0].Stage)
	assert.Contains(t, doc.Errors[0].Message, "interrupted")
	assert.Equal(t, model.JobFailed, e.job(t, task.TrackingID).State)
	n, _ := e.store.Count(context.Background(), "alice")
	assert.Zero(t, n)
}

func TestProcessEmbeddingFailureStoresNothing(t *testing.T) {
	e := newEnv(t, nil)
	e.provider.err = errors.New("upstream 500")
	task := e.seed(t, model.DocTypeText, []byte(strings.Repeat("Tuition and living costs in London. ", 100)), model.ProcessingOptions{})

	err := e.proc.Process(context.Background(), task)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindProvider))

	n, _ := e.store.Count(context.Background(), "alice")
	assert.Zero(t, n)
	doc, _ := e.docs.FindByTrackingID(context.Background(), "alice", task.TrackingID)
	assert.Equal(t, model.StageEmbedding, doc.Errors[0].Stage)
}

func TestProcessDeletedBeforeStart(t *testing.T) {
	e := newEnv(t, nil)
	task := e.seed(t, model.DocTypeText, []byte("Recommendation letter."), model.ProcessingOptions{})
	require.NoError(t, e.docs.Delete(context.Background(), "alice", task.TrackingID))

	require.NoError(t, e.proc.Process(context.Background(), task))
	assert.Equal(t, model.JobCancelled, e.job(t, task.TrackingID).State)
	n, _ := e.store.Count(context.Background(), "alice")
	assert.Zero(t, n)
}

func TestProcessDeletedDuringEmbedding(t *testing.T) {
	e := newEnv(t, nil)
	task := e.seed(t, model.DocTypeText, []byte(strings.Repeat("Scholarship essay draft paragraph. ", 100)), model.ProcessingOptions{})
	e.provider.before = func(context.Context) {
		// 模拟删除接口：删除元数据并取消处理
		_ = e.docs.Delete(context.Background(), "alice", task.TrackingID)
		_, _ = e.jobs.CancelActive(context.Background(), task.TrackingID)
		e.proc.Cancels().Cancel(task.TrackingID)
	}

	require.NoError(t, e.proc.Process(context.Background(), task))
	n, _ := e.store.Count(context.Background(), "alice")
	assert.Zero(t, n)
	assert.Equal(t, model.JobCancelled, e.job(t, task.TrackingID).State)
}

func TestProcessDeletedWithoutCancelSignal(t *testing.T) {
	e := newEnv(t, nil)
	task := e.seed(t, model.DocTypeText, []byte(strings.Repeat("Visa appointment checklist. ", 100)), model.ProcessingOptions{})
	// 其他进程删除了文档，本进程收不到取消信号
	e.provider.before = func(context.Context) {
		_ = e.docs.Delete(context.Background(), "alice", task.TrackingID)
	}

	require.NoError(t, e.proc.Process(context.Background(), task))
	n, _ := e.store.Count(context.Background(), "alice")
	assert.Zero(t, n)
}

func TestProcessSkipsCancelledJob(t *testing.T) {
	e := newEnv(t, nil)
	task := e.seed(t, model.DocTypeText, []byte("Transcript."), model.ProcessingOptions{})
	_, err := e.jobs.CancelActive(context.Background(), task.TrackingID)
	require.NoError(t, err)

	require.NoError(t, e.proc.Process(context.Background(), task))
	doc, _ := e.docs.FindByTrackingID(context.Background(), "alice", task.TrackingID)
	assert.Equal(t, model.StatusPending, doc.Status)
}

func TestApplyChunkOptions(t *testing.T) {
	base := chunker.DefaultConfig()

	cfg := ApplyChunkOptions(base, model.ProcessingOptions{ChunkSize: 100})
	assert.Equal(t, 100, cfg.ChunkSize)
	assert.Equal(t, 20, cfg.ChunkOverlap)
	assert.Equal(t, 100, cfg.MinChunkSize)
	assert.NoError(t, cfg.Validate())

	cfg = ApplyChunkOptions(base, model.ProcessingOptions{ChunkSize: 2000, ChunkOverlap: 300, ChunkStrategy: "sentence"})
	assert.Equal(t, chunker.StrategySentence, cfg.Strategy)
	assert.Equal(t, 2000, cfg.MaxChunkSize)
	assert.NoError(t, cfg.Validate())

	cfg = ApplyChunkOptions(base, model.ProcessingOptions{ChunkSize: 100, ChunkOverlap: 150})
	assert.Error(t, cfg.Validate())
}

func TestCancelRegistry(t *testing.T) {
	r := NewCancelRegistry()
	ctx, release := r.Register(context.Background(), "t1")
	assert.True(t, r.Cancel("t1"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	release()
	assert.False(t, r.Cancel("t1"))

	// 旧的 release 不会移除新的登记
	_, oldRelease := r.Register(context.Background(), "t2")
	ctx2, newRelease := r.Register(context.Background(), "t2")
	oldRelease()
	assert.True(t, r.Cancel("t2"))
	assert.Error(t, ctx2.Err())
	newRelease()
}
