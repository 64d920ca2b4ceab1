package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/retry"
	"github.com/bobarin/adreel/internal/storage"
)

// fakeProvider is a scripted VideoProvider.
type fakeProvider struct {
	mu sync.Mutex

	submitErrs     []error // consumed one per Submit call; nil entries succeed
	pollsUntilDone int     // done once polls >= pollsUntilDone; negative = never
	final          *PollResult
	fetchErr       error

	submits int
	polls   int
	fetches int
	reqs    []GenerationRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Submit(ctx context.Context, req GenerationRequest) (*models.OperationHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	p.reqs = append(p.reqs, req)
	if len(p.submitErrs) > 0 {
		err := p.submitErrs[0]
		p.submitErrs = p.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &models.OperationHandle{
		Provider:        "fake",
		Name:            fmt.Sprintf("op-%d", p.submits),
		SceneNumber:     req.SceneNumber,
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
		AspectRatio:     req.AspectRatio,
		SubmittedAt:     time.Now(),
	}, nil
}

func (p *fakeProvider) Poll(ctx context.Context, handle *models.OperationHandle) (*PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.pollsUntilDone < 0 || p.polls < p.pollsUntilDone {
		return &PollResult{Done: false}, nil
	}
	if p.final != nil {
		return p.final, nil
	}
	return &PollResult{Done: true, Media: &GeneratedMedia{
		Data:     []byte("video-bytes:" + handle.Name),
		MIMEType: "video/mp4",
	}}, nil
}

func (p *fakeProvider) Fetch(ctx context.Context, media *GeneratedMedia) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	if len(media.Data) == 0 {
		return nil, ErrNoMedia
	}
	return media.Data, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return nil
}

type failingStore struct{}

func (failingStore) Save(ctx context.Context, filename string, data []byte) (*storage.StoredFile, error) {
	return nil, errors.New("disk full")
}

func (failingStore) Import(ctx context.Context, filename, localPath string) (*storage.StoredFile, error) {
	return nil, errors.New("disk full")
}

type fixedProber struct {
	duration float64
	audio    bool
	err      error
}

func (p fixedProber) Duration(ctx context.Context, path string) (float64, error) {
	return p.duration, p.err
}

func (p fixedProber) HasAudio(ctx context.Context, path string) (bool, error) {
	return p.audio, p.err
}

type fakeScreener struct {
	err   error
	calls int
}

func (s *fakeScreener) Screen(ctx context.Context, prompt string) error {
	s.calls++
	return s.err
}

func fastRetry() *retry.Policy {
	p := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return &p
}

func newTestGenerator(t *testing.T, p VideoProvider, store storage.FileStore, opts ClipGeneratorOptions) (*ClipGenerator, *fakeClock) {
	t.Helper()
	if store == nil {
		local, err := storage.NewLocal(t.TempDir(), "/media")
		if err != nil {
			t.Fatalf("NewLocal: %v", err)
		}
		store = local
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.MaxPollWait == 0 {
		opts.MaxPollWait = 30 * time.Second
	}
	if opts.Retry == nil {
		opts.Retry = fastRetry()
	}
	g := NewClipGenerator(p, store, opts)
	clock := &fakeClock{t: time.Now()}
	g.now = clock.now
	g.sleep = clock.sleep
	return g, clock
}

func TestClampClipDuration(t *testing.T) {
	for _, d := range []float64{-3, 0, 0.4, 1, 3.4, 3.5, 4, 5.2, 6, 7.6, 8, 8.4, 12, 60, math.Inf(1), math.NaN()} {
		got := ClampClipDuration(d)
		if got < MinClipSeconds || got > MaxClipSeconds {
			t.Errorf("ClampClipDuration(%v) = %d, outside [%d, %d]", d, got, MinClipSeconds, MaxClipSeconds)
		}
	}

	tests := []struct {
		in   float64
		want int
	}{
		{2, 4},
		{5.2, 5},
		{6, 6},
		{10, 8},
		{0, 8},
	}
	for _, tt := range tests {
		if got := ClampClipDuration(tt.in); got != tt.want {
			t.Errorf("ClampClipDuration(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeAspectRatio(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"16:9", "16:9"},
		{"9:16", "9:16"},
		{" 9x16 ", "9:16"},
		{"portrait", "9:16"},
		{"1:1", DefaultAspectRatio},
		{"4:5", DefaultAspectRatio},
		{"", DefaultAspectRatio},
	}
	for _, tt := range tests {
		if got := NormalizeAspectRatio(tt.in); got != tt.want {
			t.Errorf("NormalizeAspectRatio(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGenerate_CompletesAndPersists(t *testing.T) {
	p := &fakeProvider{pollsUntilDone: 2}
	g, _ := newTestGenerator(t, p, nil, ClipGeneratorOptions{Prober: fixedProber{duration: 6.04}})

	res, err := g.Generate(context.Background(), ClipRequest{
		SceneNumber:     2,
		Prompt:          "a product shot",
		DurationSeconds: 12,
		AspectRatio:     "1:1",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed (error=%v)", res.Status, res.Error)
	}

	if got := p.reqs[0].DurationSeconds; got != MaxClipSeconds {
		t.Errorf("submitted duration = %d, want %d", got, MaxClipSeconds)
	}
	if got := p.reqs[0].AspectRatio; got != DefaultAspectRatio {
		t.Errorf("submitted aspect = %q, want %q", got, DefaultAspectRatio)
	}

	if res.VideoPath == nil || res.VideoURL == nil {
		t.Fatalf("expected persisted path and url, got %+v", res)
	}
	data, err := os.ReadFile(*res.VideoPath)
	if err != nil {
		t.Fatalf("read persisted clip: %v", err)
	}
	if string(data) != "video-bytes:op-1" {
		t.Errorf("persisted bytes = %q", data)
	}
	if !strings.HasPrefix(*res.VideoURL, "/media/scene02_fake_") || !strings.HasSuffix(*res.VideoURL, ".mp4") {
		t.Errorf("unexpected url %q", *res.VideoURL)
	}
	if res.DurationSeconds == nil || *res.DurationSeconds != 6.04 {
		t.Errorf("duration = %v, want probed 6.04", res.DurationSeconds)
	}
	if res.OperationID == nil || *res.OperationID != "op-1" {
		t.Errorf("operation id = %v", res.OperationID)
	}
	if res.Handle != nil {
		t.Error("completed result should not carry a handle")
	}
}

func TestGenerate_ProcessingAtDeadlineThenResume(t *testing.T) {
	p := &fakeProvider{pollsUntilDone: -1}
	g, clock := newTestGenerator(t, p, nil, ClipGeneratorOptions{})
	start := clock.now()

	res, err := g.Generate(context.Background(), ClipRequest{SceneNumber: 1, Prompt: "hook", DurationSeconds: 6})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Status != models.StatusProcessing {
		t.Fatalf("status = %s, want processing", res.Status)
	}
	if res.Handle == nil || res.Handle.Name != "op-1" {
		t.Fatalf("expected handle op-1, got %+v", res.Handle)
	}
	if waited := clock.now().Sub(start); waited != 30*time.Second {
		t.Errorf("waited %v, want exactly the max poll wait", waited)
	}
	if p.polls != 4 {
		t.Errorf("polls = %d, want 4", p.polls)
	}

	p.mu.Lock()
	p.pollsUntilDone = 0
	p.mu.Unlock()

	resumed, err := g.Resume(context.Background(), res.Handle)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != models.StatusCompleted || resumed.VideoPath == nil {
		t.Fatalf("resumed = %+v, want completed with path", resumed)
	}
}

func TestResume_IdempotentAfterCompletion(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocal(dir, "/media")
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	p := &fakeProvider{pollsUntilDone: -1}
	g, _ := newTestGenerator(t, p, store, ClipGeneratorOptions{})

	res, _ := g.Generate(context.Background(), ClipRequest{SceneNumber: 1, Prompt: "hook"})
	handle := res.Handle
	p.pollsUntilDone = 0

	first, err := g.Resume(context.Background(), handle)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	pollsAfterFirst, fetchesAfterFirst := p.polls, p.fetches

	for i := 0; i < 3; i++ {
		again, err := g.Resume(context.Background(), handle)
		if err != nil {
			t.Fatalf("Resume #%d: %v", i+2, err)
		}
		if again.Status != first.Status || *again.VideoPath != *first.VideoPath || *again.VideoURL != *first.VideoURL {
			t.Errorf("Resume #%d = %+v, want %+v", i+2, again, first)
		}
	}

	if p.polls != pollsAfterFirst || p.fetches != fetchesAfterFirst {
		t.Errorf("repeated resume hit the provider: polls %d->%d fetches %d->%d", pollsAfterFirst, p.polls, fetchesAfterFirst, p.fetches)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected exactly one persisted file, got %d", len(entries))
	}
}

func TestResume_FilteredJobKeepsClassification(t *testing.T) {
	p := &fakeProvider{pollsUntilDone: -1}
	g, _ := newTestGenerator(t, p, nil, ClipGeneratorOptions{})

	res, err := g.Generate(context.Background(), ClipRequest{SceneNumber: 1, Prompt: "x"})
	if err != nil || res.Status != models.StatusProcessing {
		t.Fatalf("Generate = %+v, %v; want processing", res, err)
	}
	p.mu.Lock()
	p.pollsUntilDone = 0
	p.final = &PollResult{Done: true, Err: &ContentPolicyError{Provider: "fake", Reasons: []string{"celebrity"}}}
	p.mu.Unlock()

	for i := 1; i <= 2; i++ {
		_, err := g.Resume(context.Background(), res.Handle)
		if !errors.Is(err, ErrContentFiltered) {
			t.Fatalf("Resume #%d err = %v, want ErrContentFiltered", i, err)
		}
		if isTransient(err) {
			t.Errorf("Resume #%d err classified as transient", i)
		}
	}

	// A handle restored from storage has only the message to go on.
	doc, err := models.ToJSONB(res.Handle)
	if err != nil {
		t.Fatal(err)
	}
	var stored models.OperationHandle
	if err := doc.Decode(&stored); err != nil {
		t.Fatal(err)
	}
	_, err = g.Resume(context.Background(), &stored)
	if !errors.Is(err, ErrContentFiltered) || err.Error() != "content filtered: celebrity" {
		t.Errorf("stored handle err = %v, want content-policy error", err)
	}
}

func TestRestoreError(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"content filtered", ErrContentFiltered},
		{"content filtered: celebrity likeness", ErrContentFiltered},
		{"no media produced (operation: op-1)", ErrNoMedia},
		{"clip not found: /tmp/a.mp4", ErrClipNotFound},
		{"provider does not support clip extension", ErrExtensionUnsupported},
	}
	for _, tt := range tests {
		err := restoreError(tt.msg)
		if !errors.Is(err, tt.want) {
			t.Errorf("restoreError(%q) = %v, want %v", tt.msg, err, tt.want)
		}
		if err.Error() != tt.msg {
			t.Errorf("restoreError(%q) message = %q", tt.msg, err.Error())
		}
	}

	if err := restoreError("boom"); errors.Is(err, ErrContentFiltered) || err.Error() != "boom" {
		t.Errorf("plain message restored as %v", err)
	}
}

func TestGenerate_ContentPolicyIsNotRetried(t *testing.T) {
	p := &fakeProvider{submitErrs: []error{
		&ContentPolicyError{Provider: "fake", Reasons: []string{"depicts a real person"}},
	}}
	g, _ := newTestGenerator(t, p, nil, ClipGeneratorOptions{})

	res, err := g.Generate(context.Background(), ClipRequest{SceneNumber: 3, Prompt: "x"})
	if !errors.Is(err, ErrContentFiltered) {
		t.Fatalf("err = %v, want ErrContentFiltered", err)
	}
	if p.submits != 1 {
		t.Errorf("submits = %d, want 1", p.submits)
	}
	if res.Status != models.StatusFailed || res.Error == nil || !strings.Contains(*res.Error, "depicts a real person") {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestGenerate_FilteredOnCompletion(t *testing.T) {
	p := &fakeProvider{final: &PollResult{Done: true, Err: &ContentPolicyError{Provider: "fake", Reasons: []string{"celebrity likeness"}}}}
	g, _ := newTestGenerator(t, p, nil, ClipGeneratorOptions{})

	res, err := g.Generate(context.Background(), ClipRequest{SceneNumber: 1, Prompt: "x"})
	if !errors.Is(err, ErrContentFiltered) {
		t.Fatalf("err = %v, want ErrContentFiltered", err)
	}
	if res.Error == nil || *res.Error != "content filtered: celebrity likeness" {
		t.Errorf("error = %v", res.Error)
	}
	if p.fetches != 0 {
		t.Errorf("fetches = %d, want 0", p.fetches)
	}
}

func TestGenerate_DoneWithoutMedia(t *testing.T) {
	p := &fakeProvider{final: &PollResult{Done: true}}
	g, _ := newTestGenerator(t, p, nil, ClipGeneratorOptions{})

	res, err := g.Generate(context.Background(), ClipRequest{SceneNumber: 1, Prompt: "x"})
	if !errors.Is(err, ErrNoMedia) {
		t.Fatalf("err = %v, want ErrNoMedia", err)
	}
	if res.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
}

func TestGenerate_PersistenceFailureFallsBackToProviderURL(t *testing.T) {
	p := &fakeProvider{final: &PollResult{Done: true, Media: &GeneratedMedia{
		URI:      "https://provider.example/files/abc.mp4",
		Data:     []byte("bytes"),
		MIMEType: "video/mp4",
	}}}
	g, _ := newTestGenerator(t, p, failingStore{}, ClipGeneratorOptions{})

	res, err := g.Generate(context.Background(), ClipRequest{SceneNumber: 1, Prompt: "x", DurationSeconds: 6})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.VideoURL == nil || *res.VideoURL != "https://provider.example/files/abc.mp4" {
		t.Errorf("url = %v, want provider url", res.VideoURL)
	}
	if res.VideoPath != nil {
		t.Errorf("path = %v, want nil", *res.VideoPath)
	}
	if res.DurationSeconds == nil || *res.DurationSeconds != 6 {
		t.Errorf("duration = %v, want requested 6", res.DurationSeconds)
	}
}

func TestGenerate_PersistenceFailureWithoutURLFails(t *testing.T) {
	p := &fakeProvider{}
	g, _ := newTestGenerator(t, p, failingStore{}, ClipGeneratorOptions{})

	res, err := g.Generate(context.Background(), ClipRequest{SceneNumber: 1, Prompt: "x"})
	if err == nil || res.Status != models.StatusFailed {
		t.Fatalf("expected failure, got %+v (err=%v)", res, err)
	}
}

func TestGenerate_RetriesTransientSubmit(t *testing.T) {
	p := &fakeProvider{submitErrs: []error{
		&ProviderStatusError{Provider: "fake", StatusCode: 503, Body: "overloaded"},
		errors.New("read: connection reset by peer"),
		nil,
	}}
	g, _ := newTestGenerator(t, p, nil, ClipGeneratorOptions{})

	res, err := g.Generate(context.Background(), ClipRequest{SceneNumber: 1, Prompt: "x"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
	if p.submits != 3 {
		t.Errorf("submits = %d, want 3", p.submits)
	}
}

func TestGenerate_ScreenerRejectsBeforeSubmit(t *testing.T) {
	p := &fakeProvider{}
	s := &fakeScreener{err: &ContentPolicyError{Provider: "moderation", Reasons: []string{"violence"}}}
	g, _ := newTestGenerator(t, p, nil, ClipGeneratorOptions{Screener: s})

	_, err := g.Generate(context.Background(), ClipRequest{SceneNumber: 1, Prompt: "x"})
	if !errors.Is(err, ErrContentFiltered) {
		t.Fatalf("err = %v, want ErrContentFiltered", err)
	}
	if p.submits != 0 {
		t.Errorf("submits = %d, want 0", p.submits)
	}
}

func TestGenerate_ScreenerOutageDoesNotBlock(t *testing.T) {
	p := &fakeProvider{}
	s := &fakeScreener{err: errors.New("moderation request failed: 502")}
	g, _ := newTestGenerator(t, p, nil, ClipGeneratorOptions{Screener: s})

	res, err := g.Generate(context.Background(), ClipRequest{SceneNumber: 1, Prompt: "x"})
	if err != nil || res.Status != models.StatusCompleted {
		t.Fatalf("expected completion, got %+v (err=%v)", res, err)
	}
}

func TestExtend_SubmitsSourceVideo(t *testing.T) {
	p := &fakeProvider{}
	g, _ := newTestGenerator(t, p, nil, ClipGeneratorOptions{})

	res, err := g.Extend(context.Background(), ExtendRequest{SceneNumber: 2, SourceVideo: []byte("seed"), Prompt: "continue"})
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if res.Status != models.StatusCompleted {
		t.Errorf("status = %s", res.Status)
	}
	if string(p.reqs[0].SourceVideo) != "seed" || p.reqs[0].DurationSeconds != HopSeconds {
		t.Errorf("unexpected request %+v", p.reqs[0])
	}

	if _, err := g.Extend(context.Background(), ExtendRequest{SceneNumber: 3}); !errors.Is(err, ErrClipNotFound) {
		t.Errorf("empty source err = %v, want ErrClipNotFound", err)
	}
}

func TestResume_RejectsForeignHandle(t *testing.T) {
	g, _ := newTestGenerator(t, &fakeProvider{}, nil, ClipGeneratorOptions{})
	if _, err := g.Resume(context.Background(), &models.OperationHandle{Provider: "veo", Name: "x"}); err == nil {
		t.Error("expected error for handle from another provider")
	}
}
