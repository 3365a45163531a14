package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abroad-docs-go/internal/config"
	"abroad-docs-go/internal/extractor"
	"abroad-docs-go/internal/model"
	"abroad-docs-go/internal/pipeline"
	"abroad-docs-go/internal/repository"
	"abroad-docs-go/internal/vectorstore"
	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/embedding"
	"abroad-docs-go/pkg/storage"
	"abroad-docs-go/pkg/tasks"
)

var vocab = []string{"visa", "tuition", "essay", "scholarship"}

// wordProvider 按词表计数生成向量，最后一维为常数，避免出现零向量。
type wordProvider struct{ calls int }

func (p *wordProvider) Name() string  { return "words" }
func (p *wordProvider) Model() string { return "words-v1" }

func (p *wordProvider) Embed(_ context.Context, texts []string, _ embedding.InputKind) ([][]float32, int, error) {
	p.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		lower := strings.ToLower(t)
		v := make([]float32, len(vocab)+1)
		for j, w := range vocab {
			v[j] = float32(strings.Count(lower, w))
		}
		v[len(vocab)] = 0.1
		out[i] = v
	}
	return out, 0, nil
}

type recordingQueue struct {
	tasks []tasks.DocumentProcessingTask
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, t tasks.DocumentProcessingTask) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, t)
	return nil
}
func (q *recordingQueue) Start(context.Context, tasks.Handler) error { return nil }
func (q *recordingQueue) Close() error                               { return nil }

type harness struct {
	docs      *repository.MemoryDocumentRepository
	jobs      *repository.MemoryJobRepository
	progress  *repository.MemoryProgressRepository
	objects   *storage.MemoryStore
	store     *vectorstore.MemoryStore
	queue     *recordingQueue
	provider  *wordProvider
	processor *pipeline.Processor
	uploads   UploadService
	documents DocumentService
	search    SearchService
}

var testChunking = config.ChunkingConfig{Strategy: "recursive", ChunkSize: 1000, ChunkOverlap: 200, MinChunkSize: 100, MaxChunkSize: 1000}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		docs:     repository.NewMemoryDocumentRepository(),
		jobs:     repository.NewMemoryJobRepository(),
		progress: repository.NewMemoryProgressRepository(),
		objects:  storage.NewMemoryStore(),
		store:    vectorstore.NewMemoryStore(),
		queue:    &recordingQueue{},
		provider: &wordProvider{},
	}
	registry := extractor.NewDefaultRegistry(nil)
	gen := embedding.NewGenerator(h.provider, config.EmbeddingConfig{Normalize: true}, nil)
	h.processor = pipeline.NewProcessor(h.docs, h.jobs, h.progress, h.objects, registry, nil, gen, h.store, testChunking, "eng", nil)
	h.uploads = NewUploadService(h.docs, h.jobs, h.objects, h.queue, registry, testChunking, config.UploadConfig{MaxFileSizeMB: 1})
	h.documents = NewDocumentService(h.docs, h.jobs, h.progress, h.objects, h.store, h.processor.Cancels(), 100)
	h.search = NewSearchService(h.store, gen, h.docs, nil, config.SearchConfig{})
	return h
}

// ingest 上传并同步处理一个文本文件。
func (h *harness) ingest(t *testing.T, owner, name, text string, tags ...string) *model.Document {
	t.Helper()
	ctx := context.Background()
	res, err := h.uploads.Upload(ctx, UploadRequest{OwnerID: owner, FileName: name, Data: []byte(text), Tags: tags})
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	task := h.queue.tasks[len(h.queue.tasks)-1]
	require.NoError(t, h.processor.Process(ctx, task))
	doc, err := h.documents.Get(ctx, owner, res.Document.TrackingID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, doc.Status)
	return doc
}

func TestUploadCreatesDocumentAndEnqueues(t *testing.T) {
	h := newHarness(t)
	res, err := h.uploads.Upload(context.Background(), UploadRequest{
		OwnerID:  "alice",
		FileName: "notes/personal_statement.md",
		Data:     []byte("# Personal statement\n\nWhy I want to study in Edinburgh."),
		Title:    " Statement ",
		Tags:     []string{"uk", " uk ", ""},
	})
	require.NoError(t, err)
	doc := res.Document
	assert.False(t, res.Duplicate)
	assert.Equal(t, "personal_statement.md", doc.FileName)
	assert.Equal(t, "Statement", doc.Title)
	assert.Equal(t, model.DocTypeMarkdown, doc.DocType)
	assert.Equal(t, []string{"uk"}, doc.Tags)
	assert.Equal(t, model.StatusPending, doc.Status)
	assert.Len(t, doc.ContentHash, 64)
	assert.Equal(t, "documents/alice/"+doc.ContentHash, doc.ObjectName)

	require.Len(t, h.queue.tasks, 1)
	assert.Equal(t, doc.TrackingID, h.queue.tasks[0].TrackingID)
	assert.Equal(t, 1, h.objects.Len())
	jobs, _ := h.jobs.ListByTrackingID(context.Background(), doc.TrackingID)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobQueued, jobs[0].State)
}

func TestUploadDeduplicatesByHash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := []byte("IELTS score report: overall band 7.5")

	first, err := h.uploads.Upload(ctx, UploadRequest{OwnerID: "alice", FileName: "ielts.txt", Data: data})
	require.NoError(t, err)
	second, err := h.uploads.Upload(ctx, UploadRequest{OwnerID: "alice", FileName: "copy-of-ielts.txt", Data: data})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Document.TrackingID, second.Document.TrackingID)
	assert.Len(t, h.queue.tasks, 1)
	assert.Equal(t, 1, h.objects.Len())

	// 去重只在同一用户内生效
	other, err := h.uploads.Upload(ctx, UploadRequest{OwnerID: "bob", FileName: "ielts.txt", Data: data})
	require.NoError(t, err)
	assert.False(t, other.Duplicate)
	assert.Len(t, h.queue.tasks, 2)

	// 失败的文档重新上传时重新处理，沿用原 trackingId
	h.queue.err = errors.New("broker unavailable")
	offer := []byte("Conditional offer from the University of Manchester")
	_, err = h.uploads.Upload(ctx, UploadRequest{OwnerID: "carol", FileName: "offer.txt", Data: offer})
	require.Error(t, err)

	h.queue.err = nil
	retried, err := h.uploads.Upload(ctx, UploadRequest{OwnerID: "carol", FileName: "offer.txt", Data: offer,
		Options: model.ProcessingOptions{ChunkStrategy: "sentence"}})
	require.NoError(t, err)
	assert.False(t, retried.Duplicate)
	assert.Equal(t, model.StatusPending, retried.Document.Status)
	require.Len(t, h.queue.tasks, 3)
	task := h.queue.tasks[2]
	assert.Equal(t, retried.Document.TrackingID, task.TrackingID)

	_, total, _ := h.docs.List(ctx, "carol", model.DocumentFilter{})
	assert.Equal(t, int64(1), total)
	stored, err := h.docs.FindByTrackingID(ctx, "carol", task.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, "sentence", stored.Options.ChunkStrategy)
	jobs, _ := h.jobs.ListByTrackingID(ctx, task.TrackingID)
	assert.Len(t, jobs, 2)

	require.NoError(t, h.processor.Process(ctx, task))
	done, err := h.documents.Get(ctx, "carol", task.TrackingID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)

	// 处理完成后再次上传只返回已有文档
	again, err := h.uploads.Upload(ctx, UploadRequest{OwnerID: "carol", FileName: "offer.txt", Data: offer})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Len(t, h.queue.tasks, 3)
}

func TestUploadValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := []struct {
		name string
		req  UploadRequest
	}{
		{"empty file", UploadRequest{OwnerID: "alice", FileName: "a.txt"}},
		{"missing owner", UploadRequest{FileName: "a.txt", Data: []byte("x")}},
		{"missing name", UploadRequest{OwnerID: "alice", Data: []byte("x")}},
		{"too large", UploadRequest{OwnerID: "alice", FileName: "big.txt", Data: []byte(strings.Repeat("a", 2<<20))}},
		{"unsupported type", UploadRequest{OwnerID: "alice", FileName: "blob.bin", Data: []byte{0x00, 0x13, 0x37, 0x42, 0x00, 0x99}}},
		{"overlap not below size", UploadRequest{OwnerID: "alice", FileName: "a.txt", Data: []byte("x"),
			Options: model.ProcessingOptions{ChunkSize: 100, ChunkOverlap: 100}}},
		{"unknown strategy", UploadRequest{OwnerID: "alice", FileName: "a.txt", Data: []byte("x"),
			Options: model.ProcessingOptions{ChunkStrategy: "semantic"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.uploads.Upload(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindValidation), err.Error())
		})
	}
	assert.Empty(t, h.queue.tasks)
	assert.Zero(t, h.objects.Len())
}

func TestUploadEnqueueFailureMarksDocumentFailed(t *testing.T) {
	h := newHarness(t)
	h.queue.err = errors.New("broker unavailable")

	_, err := h.uploads.Upload(context.Background(), UploadRequest{OwnerID: "alice", FileName: "cv.txt", Data: []byte("Curriculum vitae")})
	require.Error(t, err)

	docs, total, _ := h.docs.List(context.Background(), "alice", model.DocumentFilter{})
	require.Equal(t, int64(1), total)
	assert.Equal(t, model.StatusFailed, docs[0].Status)
	assert.Equal(t, model.StageQueue, docs[0].Errors[0].Stage)
}

func TestThreeThousandCharacterDocument(t *testing.T) {
	h := newHarness(t)
	var b strings.Builder
	for i := 0; b.Len() < 3000; i++ {
		fmt.Fprintf(&b, "Sentence number %04d talks about scholarship applications. ", i)
	}
	text := b.String()[:2999] + "."

	doc := h.ingest(t, "alice", "guide.txt", text)
	assert.GreaterOrEqual(t, doc.ChunkCount, 3)
	assert.LessOrEqual(t, doc.ChunkCount, 4)

	hits, err := h.store.KeywordSearch(context.Background(), "alice", "sentence", vectorstore.Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, doc.ChunkCount)
	byIndex := make(map[int]model.Chunk)
	for _, hit := range hits {
		assert.LessOrEqual(t, utf8.RuneCountInString(hit.Chunk.Content), 1000)
		byIndex[hit.Chunk.Position.Index] = hit.Chunk
	}
	for i := 1; i < doc.ChunkCount; i++ {
		shared := byIndex[i-1].Position.EndChar - byIndex[i].Position.StartChar
		assert.Greater(t, shared, 0)
		assert.LessOrEqual(t, shared, 200)
	}
}

func TestDeleteCascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.ingest(t, "alice", "visa.txt", "Student visa interview preparation checklist.")
	n, _ := h.store.Count(ctx, "alice")
	require.Equal(t, int64(1), n)

	// 其他用户不能删除
	err := h.documents.Delete(ctx, "bob", doc.TrackingID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	require.NoError(t, h.documents.Delete(ctx, "alice", doc.TrackingID))
	n, _ = h.store.Count(ctx, "alice")
	assert.Zero(t, n)
	assert.Zero(t, h.objects.Len())
	_, err = h.documents.Get(ctx, "alice", doc.TrackingID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	// 删除后重新上传相同内容会生成新文档
	res, err := h.uploads.Upload(ctx, UploadRequest{OwnerID: "alice", FileName: "visa.txt", Data: []byte("Student visa interview preparation checklist.")})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestDeleteCancelsQueuedJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.uploads.Upload(ctx, UploadRequest{OwnerID: "alice", FileName: "essay.txt", Data: []byte("Scholarship essay on leadership.")})
	require.NoError(t, err)

	require.NoError(t, h.documents.Delete(ctx, "alice", res.Document.TrackingID))
	require.NoError(t, h.processor.Process(ctx, h.queue.tasks[0]))

	n, _ := h.store.Count(ctx, "alice")
	assert.Zero(t, n)
	assert.Zero(t, h.provider.calls)
	jobs, _ := h.jobs.ListByTrackingID(ctx, res.Document.TrackingID)
	assert.Equal(t, model.JobCancelled, jobs[0].State)
}

func TestUpdateTagsPropagatesToChunks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.ingest(t, "alice", "tuition.txt", "Tuition fees for international students.", "draft")

	updated, err := h.documents.UpdateTags(ctx, "alice", doc.TrackingID, []string{"canada", "canada", " final "})
	require.NoError(t, err)
	assert.Equal(t, []string{"canada", "final"}, updated.Tags)

	resp, err := h.search.Search(ctx, "alice", model.SearchQuery{Query: "tuition", Mode: model.SearchKeyword,
		Filters: model.SearchFilters{Tags: []string{"final"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.TotalResults)

	resp, err = h.search.Search(ctx, "alice", model.SearchQuery{Query: "tuition", Mode: model.SearchKeyword,
		Filters: model.SearchFilters{Tags: []string{"draft"}}})
	require.NoError(t, err)
	assert.Zero(t, resp.TotalResults)

	_, err = h.documents.UpdateTags(ctx, "bob", doc.TrackingID, []string{"x"})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestStatusReportsProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.uploads.Upload(ctx, UploadRequest{OwnerID: "alice", FileName: "a.txt", Data: []byte("Offer letter from the University of Melbourne.")})
	require.NoError(t, err)
	id := res.Document.TrackingID

	st, err := h.documents.Status(ctx, "alice", id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, st.Status)
	assert.Zero(t, st.Progress)
	assert.NotNil(t, st.Errors)

	require.NoError(t, h.docs.UpdateStatus(ctx, "alice", id, model.StatusProcessing))
	require.NoError(t, h.progress.Set(ctx, id, 0.4))
	st, _ = h.documents.Status(ctx, "alice", id)
	assert.InDelta(t, 0.4, st.Progress, 1e-9)

	require.NoError(t, h.processor.Process(ctx, h.queue.tasks[0]))
	st, _ = h.documents.Status(ctx, "alice", id)
	assert.Equal(t, model.StatusCompleted, st.Status)
	assert.Equal(t, 1.0, st.Progress)
}

func TestListDocumentsPagination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.uploads.Upload(ctx, UploadRequest{OwnerID: "alice", FileName: "f.txt", Data: []byte(fmt.Sprintf("document %d", i))})
		require.NoError(t, err)
	}
	page, err := h.documents.List(ctx, "alice", model.DocumentFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.Documents, 2)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextOffset)
	assert.Equal(t, 2, *page.NextOffset)

	page, err = h.documents.List(ctx, "bob", model.DocumentFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Documents)
	assert.False(t, page.HasMore)
}

func TestDownloadURLRequiresObjectStoreSupport(t *testing.T) {
	h := newHarness(t)
	res, err := h.uploads.Upload(context.Background(), UploadRequest{OwnerID: "alice", FileName: "a.txt", Data: []byte("transcript")})
	require.NoError(t, err)

	_, err = h.documents.DownloadURL(context.Background(), "alice", res.Document.TrackingID)
	assert.True(t, apperr.IsKind(err, apperr.KindUnsupported))
	_, err = h.documents.DownloadURL(context.Background(), "bob", res.Document.TrackingID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}
