package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"miitopia-bot/internal/chat"
	"miitopia-bot/internal/logging"
	"miitopia-bot/internal/model"
)

type fakeGateway struct {
	mu       sync.Mutex
	files    map[string]string
	replyErr error
	notifyFn func(msg chat.Message, text string) error

	replies []string // "<message id>:<uploaded content>"
	notices []string // "<message id>:<text>"
	replied chan string

	msgs chan chat.Message
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{files: map[string]string{}, replied: make(chan string, 16), msgs: make(chan chat.Message)}
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) Listen(ctx context.Context) (<-chan chat.Message, error) {
	return g.msgs, nil
}

func (g *fakeGateway) Fetch(_ context.Context, a chat.Attachment) (io.ReadCloser, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, ok := g.files[a.URL]
	if !ok {
		return nil, fmt.Errorf("404 %s", a.URL)
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

func (g *fakeGateway) Reply(_ context.Context, msg chat.Message, up chat.Upload) error {
	if g.replyErr != nil {
		return g.replyErr
	}
	data, err := os.ReadFile(up.Path)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.replies = append(g.replies, msg.ID+":"+string(data))
	g.mu.Unlock()
	g.replied <- msg.ID
	return nil
}

func (g *fakeGateway) Notify(_ context.Context, msg chat.Message, text string) error {
	g.mu.Lock()
	g.notices = append(g.notices, msg.ID+":"+text)
	fn := g.notifyFn
	g.mu.Unlock()
	if fn != nil {
		return fn(msg, text)
	}
	return nil
}

func (g *fakeGateway) Typing(context.Context, chat.Message) error { return nil }

func (g *fakeGateway) snapshot() (replies, notices []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.replies...), append([]string(nil), g.notices...)
}

// fakeResolver downloads "audio" into the request dir like a URL source does.
type fakeResolver struct {
	err error
}

func (r *fakeResolver) Resolve(_ context.Context, req model.AudioSourceRequest, dir string) (model.ResolvedAudio, error) {
	if r.err != nil {
		return model.ResolvedAudio{}, r.err
	}
	f, err := os.CreateTemp(dir, "audio-*.ogg")
	if err != nil {
		return model.ResolvedAudio{}, err
	}
	f.WriteString("audio:" + req.String())
	f.Close()
	return model.ResolvedAudio{Path: f.Name(), Temporary: true, Label: req.String()}, nil
}

// fakeMerger concatenates media and audio into the output. hook, if set, runs
// first and can fail or block the merge.
type fakeMerger struct {
	hook func(ctx context.Context, job model.MergeJob) error
}

func (m *fakeMerger) Merge(ctx context.Context, job model.MergeJob) (string, error) {
	if m.hook != nil {
		if err := m.hook(ctx, job); err != nil {
			return "", err
		}
	}
	media, err := os.ReadFile(job.MediaPath)
	if err != nil {
		return "", err
	}
	audio, err := os.ReadFile(job.AudioPath)
	if err != nil {
		return "", err
	}
	out := filepath.Join(job.OutputDir, "merged.mp4")
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s|%s|%s", job.Kind, media, audio)
	return out, os.WriteFile(out, buf.Bytes(), 0o644)
}

func newTestPipeline(t *testing.T, res AudioResolver, m *fakeMerger) (*Pipeline, string) {
	t.Helper()
	work := t.TempDir()
	p := NewPipeline(res, m, PipelineOptions{
		WorkDir:             work,
		MaxConcurrentMerges: 2,
		MaxAttachments:      4,
		MaxDownloadBytes:    1 << 20,
	}, logging.Discard())
	return p, work
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("work dir not clean: %v", names)
	}
}

func photoMessage(id string) chat.Message {
	return chat.Message{
		Platform:  "fake",
		ID:        id,
		ChannelID: "chan",
		Addressed: true,
		Attachments: []chat.Attachment{
			{ID: "a1", Filename: "cat.png", ContentType: "image/png", URL: "https://cdn/" + id + "/cat.png"},
		},
	}
}

func TestAccept(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeResolver{}, &fakeMerger{})
	media := []chat.Attachment{
		{ID: "1", ContentType: "image/png"},
		{ID: "2", ContentType: "text/plain"},
		{ID: "3", ContentType: "video/mp4"},
		{ID: "4", ContentType: "audio/ogg"},
		{ID: "5", ContentType: "image/gif"},
		{ID: "6", ContentType: ""},
	}

	tests := []struct {
		name string
		msg  chat.Message
		want []string
	}{
		{"not addressed", chat.Message{Attachments: media}, nil},
		{"addressed without attachments", chat.Message{Addressed: true}, nil},
		{"only media kept", chat.Message{Addressed: true, Attachments: media}, []string{"1", "3", "5"}},
		{"nothing usable", chat.Message{Addressed: true, Attachments: media[3:4]}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Accept(tt.msg)
			var ids []string
			for _, a := range got {
				ids = append(ids, a.ID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Accept = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestAcceptCapsAttachments(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeResolver{}, &fakeMerger{})
	var atts []chat.Attachment
	for i := 0; i < 10; i++ {
		atts = append(atts, chat.Attachment{ID: fmt.Sprint(i), ContentType: "image/jpeg"})
	}
	if got := p.Accept(chat.Message{Addressed: true, Attachments: atts}); len(got) != 4 {
		t.Errorf("Accept returned %d attachments, want 4", len(got))
	}
}

func TestHandleSuccess(t *testing.T) {
	p, work := newTestPipeline(t, &fakeResolver{}, &fakeMerger{})
	gw := newFakeGateway()
	msg := photoMessage("m1")
	msg.Text = "<@bot> https://example.com/song.ogg"
	gw.files[msg.Attachments[0].URL] = "PNG"

	if err := p.Handle(context.Background(), gw, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	replies, notices := gw.snapshot()
	if len(notices) != 0 {
		t.Errorf("unexpected notices: %v", notices)
	}
	want := "m1:image|PNG|audio:url:https://example.com/song.ogg"
	if len(replies) != 1 || replies[0] != want {
		t.Errorf("replies = %v, want [%s]", replies, want)
	}
	assertEmptyDir(t, work)
}

func TestHandleIgnoredMessage(t *testing.T) {
	p, work := newTestPipeline(t, &fakeResolver{}, &fakeMerger{})
	gw := newFakeGateway()
	msg := photoMessage("m1")
	msg.Addressed = false

	if err := p.Handle(context.Background(), gw, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	replies, notices := gw.snapshot()
	if len(replies)+len(notices) != 0 {
		t.Errorf("ignored message produced output: %v %v", replies, notices)
	}
	assertEmptyDir(t, work)
}

func TestHandleFailures(t *testing.T) {
	mergeErr := fmt.Errorf("%w: exit status 1: secret internal detail", model.ErrTranscodeFailed)

	tests := []struct {
		name     string
		resolver *fakeResolver
		merger   *fakeMerger
		noFile   bool
		size     int64
		replyErr error
		want     error
	}{
		{name: "download fails", noFile: true, want: model.ErrDownloadFailed},
		{name: "attachment too large", size: 2 << 20, want: model.ErrDownloadFailed},
		{name: "empty library", resolver: &fakeResolver{err: fmt.Errorf("%w: no files", model.ErrEmptyLibrary)}, want: model.ErrEmptyLibrary},
		{name: "track lookup fails", resolver: &fakeResolver{err: fmt.Errorf("%w: 404", model.ErrMetadataLookupFailed)}, want: model.ErrMetadataLookupFailed},
		{
			name: "merge fails after partial output",
			merger: &fakeMerger{hook: func(_ context.Context, job model.MergeJob) error {
				os.WriteFile(filepath.Join(job.OutputDir, "partial.mp4"), []byte("x"), 0o644)
				return mergeErr
			}},
			want: model.ErrTranscodeFailed,
		},
		{
			name: "unsupported media",
			merger: &fakeMerger{hook: func(context.Context, model.MergeJob) error {
				return fmt.Errorf("%w: no picture", model.ErrUnsupportedMedia)
			}},
			want: model.ErrUnsupportedMedia,
		},
		{name: "reply fails", replyErr: errors.New("413 entity too large"), want: model.ErrReplyFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.resolver
			if res == nil {
				res = &fakeResolver{}
			}
			m := tt.merger
			if m == nil {
				m = &fakeMerger{}
			}
			p, work := newTestPipeline(t, res, m)
			gw := newFakeGateway()
			gw.replyErr = tt.replyErr
			msg := photoMessage("m1")
			msg.Attachments[0].Size = tt.size
			if !tt.noFile {
				gw.files[msg.Attachments[0].URL] = "PNG"
			}

			err := p.Handle(context.Background(), gw, msg)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Handle error = %v, want %v", err, tt.want)
			}

			replies, notices := gw.snapshot()
			if len(replies) != 0 {
				t.Errorf("unexpected replies: %v", replies)
			}
			wantNotice := "m1:" + model.Notice(err)
			if len(notices) != 1 || notices[0] != wantNotice {
				t.Errorf("notices = %v, want [%s]", notices, wantNotice)
			}
			if strings.Contains(strings.Join(notices, " "), "secret") {
				t.Error("notice leaked internal error text")
			}
			assertEmptyDir(t, work)
		})
	}
}

func TestHandleNoticeFailureIsSwallowed(t *testing.T) {
	p, work := newTestPipeline(t, &fakeResolver{err: model.ErrEmptyLibrary}, &fakeMerger{})
	gw := newFakeGateway()
	gw.notifyFn = func(chat.Message, string) error { return errors.New("missing permissions") }
	msg := photoMessage("m1")
	gw.files[msg.Attachments[0].URL] = "PNG"

	err := p.Handle(context.Background(), gw, msg)
	if !errors.Is(err, model.ErrEmptyLibrary) {
		t.Fatalf("err = %v, want ErrEmptyLibrary", err)
	}
	assertEmptyDir(t, work)
}

func TestHandleMultipleAttachments(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	m := &fakeMerger{hook: func(_ context.Context, job model.MergeJob) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if job.Kind == model.MediaVideo {
			return model.ErrTranscodeFailed
		}
		return nil
	}}
	p, work := newTestPipeline(t, &fakeResolver{}, m)
	gw := newFakeGateway()
	msg := chat.Message{
		Platform:  "fake",
		ID:        "m1",
		Addressed: true,
		Attachments: []chat.Attachment{
			{Filename: "a.png", ContentType: "image/png", URL: "a"},
			{Filename: "b.mp4", ContentType: "video/mp4", URL: "b"},
			{Filename: "c.gif", ContentType: "image/gif", URL: "c"},
		},
	}
	gw.files["a"], gw.files["b"], gw.files["c"] = "A", "B", "C"

	err := p.Handle(context.Background(), gw, msg)
	if !errors.Is(err, model.ErrTranscodeFailed) {
		t.Fatalf("err = %v", err)
	}
	replies, notices := gw.snapshot()
	if len(replies) != 2 || len(notices) != 1 {
		t.Errorf("replies=%v notices=%v, want 2 replies and 1 notice", replies, notices)
	}
	if calls != 3 {
		t.Errorf("merge calls = %d, want 3", calls)
	}
	assertEmptyDir(t, work)
}

func TestConcurrentRequestsAreIndependent(t *testing.T) {
	release := make(chan struct{})
	m := &fakeMerger{hook: func(ctx context.Context, job model.MergeJob) error {
		media, _ := os.ReadFile(job.MediaPath)
		if string(media) != "SLOW" {
			return nil
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return fmt.Errorf("%w: forced", model.ErrTranscodeFailed)
	}}
	p, work := newTestPipeline(t, &fakeResolver{}, m)
	gw := newFakeGateway()

	slow := photoMessage("slow")
	fast := photoMessage("fast")
	gw.files[slow.Attachments[0].URL] = "SLOW"
	gw.files[fast.Attachments[0].URL] = "FAST"

	errs := make(chan error, 2)
	go func() { errs <- p.Handle(context.Background(), gw, slow) }()
	go func() { errs <- p.Handle(context.Background(), gw, fast) }()

	select {
	case id := <-gw.replied:
		if id != "fast" {
			t.Fatalf("first reply for %q, want fast", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fast request was blocked by the failing one")
	}
	close(release)

	var failed, ok int
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			if !errors.Is(err, model.ErrTranscodeFailed) {
				t.Errorf("unexpected error: %v", err)
			}
			failed++
		} else {
			ok++
		}
	}
	if failed != 1 || ok != 1 {
		t.Errorf("failed=%d ok=%d, want 1 and 1", failed, ok)
	}
	_, notices := gw.snapshot()
	if len(notices) != 1 || !strings.HasPrefix(notices[0], "slow:") {
		t.Errorf("notices = %v", notices)
	}
	assertEmptyDir(t, work)
}

func TestMergeSemaphoreBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	m := &fakeMerger{hook: func(context.Context, model.MergeJob) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}}
	p, work := newTestPipeline(t, &fakeResolver{}, m)
	gw := newFakeGateway()

	var msgs []chat.Message
	for i := 0; i < 6; i++ {
		msg := photoMessage(fmt.Sprintf("m%d", i))
		gw.files[msg.Attachments[0].URL] = "PNG"
		msgs = append(msgs, msg)
	}

	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Handle(context.Background(), gw, msg); err != nil {
				t.Errorf("Handle: %v", err)
			}
		}()
	}
	wg.Wait()
	if peak > 2 {
		t.Errorf("peak concurrent merges = %d, want <= 2", peak)
	}
	assertEmptyDir(t, work)
}

func TestMediaExtAndOutputName(t *testing.T) {
	if got := mediaExt(chat.Attachment{Filename: "clip.MOV", ContentType: "video/quicktime"}); got != ".mov" {
		t.Errorf("mediaExt = %q", got)
	}
	if got := mediaExt(chat.Attachment{ContentType: "image/gif"}); got != ".gif" {
		t.Errorf("mediaExt = %q", got)
	}
	if got := outputName(chat.Attachment{Filename: "holiday.jpg"}); got != "holiday.mp4" {
		t.Errorf("outputName = %q", got)
	}
	if got := outputName(chat.Attachment{}); got != "miitopia.mp4" {
		t.Errorf("outputName = %q", got)
	}
}

func TestRequestDirInUseWhileRunning(t *testing.T) {
	var p *Pipeline
	var during bool
	var reqDir string
	m := &fakeMerger{hook: func(_ context.Context, job model.MergeJob) error {
		reqDir = filepath.Base(job.OutputDir)
		during = p.InUse(reqDir)
		return nil
	}}
	p, work := newTestPipeline(t, &fakeResolver{}, m)
	gw := newFakeGateway()
	msg := photoMessage("m1")
	gw.files[msg.Attachments[0].URL] = "PNG"

	if err := p.Handle(context.Background(), gw, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !during {
		t.Errorf("request dir %q not reported in use during the merge", reqDir)
	}
	if p.InUse(reqDir) {
		t.Error("request dir still reported in use after Handle")
	}
	assertEmptyDir(t, work)
}

// libraryResolver hands out a shared file that must survive the request.
type libraryResolver struct {
	path string
}

func (r *libraryResolver) Resolve(context.Context, model.AudioSourceRequest, string) (model.ResolvedAudio, error) {
	return model.ResolvedAudio{Path: r.path, Label: "theme.ogg"}, nil
}

func TestRandomStartOnlyForLibraryAudio(t *testing.T) {
	track := filepath.Join(t.TempDir(), "theme.ogg")
	if err := os.WriteFile(track, []byte("OggS"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		resolver AudioResolver
		want     bool
	}{
		{"library track", &libraryResolver{path: track}, true},
		{"downloaded audio", &fakeResolver{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got bool
			m := &fakeMerger{hook: func(_ context.Context, job model.MergeJob) error {
				got = job.RandomStart
				return nil
			}}
			p, _ := newTestPipeline(t, tt.resolver, m)
			gw := newFakeGateway()
			msg := photoMessage("m1")
			gw.files[msg.Attachments[0].URL] = "PNG"

			if err := p.Handle(context.Background(), gw, msg); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if got != tt.want {
				t.Errorf("RandomStart = %t, want %t", got, tt.want)
			}
		})
	}
	if _, err := os.Stat(track); err != nil {
		t.Errorf("library track removed: %v", err)
	}
}

func TestReject(t *testing.T) {
	p, work := newTestPipeline(t, &fakeResolver{}, &fakeMerger{})
	gw := newFakeGateway()

	p.Reject(context.Background(), gw, photoMessage("m1"), fmt.Errorf("%w: full", model.ErrBusy))

	replies, notices := gw.snapshot()
	if len(replies) != 0 {
		t.Errorf("unexpected replies: %v", replies)
	}
	if want := "m1:" + model.Notice(model.ErrBusy); len(notices) != 1 || notices[0] != want {
		t.Errorf("notices = %v, want [%s]", notices, want)
	}
	assertEmptyDir(t, work)
}
