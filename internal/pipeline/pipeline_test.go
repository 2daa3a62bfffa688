package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"faceserve/internal/store"
	"faceserve/internal/vision"
)

type fakeImage struct {
	mu     sync.Mutex
	closed bool
}

func (i *fakeImage) Width() int  { return 320 }
func (i *fakeImage) Height() int { return 240 }

func (i *fakeImage) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

type fakeEngine struct {
	mu        sync.Mutex
	decodeErr error
	detectErr error
	encodeErr error
	faces     []vision.Face
	encoded   []byte
	decodes   int
	annotated [][]vision.Face
}

func (e *fakeEngine) Decode(data []byte) (vision.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decodes++
	if e.decodeErr != nil {
		return nil, e.decodeErr
	}
	return &fakeImage{}, nil
}

func (e *fakeEngine) Detect(img vision.Image) ([]vision.Face, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detectErr != nil {
		return nil, e.detectErr
	}
	return e.faces, nil
}

func (e *fakeEngine) Annotate(img vision.Image, faces []vision.Face) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.annotated = append(e.annotated, faces)
}

func (e *fakeEngine) EncodeJPEG(img vision.Image) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.encodeErr != nil {
		return nil, e.encodeErr
	}
	return e.encoded, nil
}

func (e *fakeEngine) decodeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decodes
}

type fakeBroadcaster struct {
	mu          sync.Mutex
	messages    []string
	onBroadcast func(text string)
}

func (b *fakeBroadcaster) Broadcast(text string) {
	b.mu.Lock()
	hook := b.onBroadcast
	b.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, text)
}

func (b *fakeBroadcaster) all() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.messages...)
}

func newTestService(t *testing.T, engine *fakeEngine) (*Service, *store.Store, *fakeBroadcaster) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	bc := &fakeBroadcaster{}
	svc := New(engine, st, bc, 2)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc.Start(ctx)

	return svc, st, bc
}

func idFromURL(t *testing.T, url string) string {
	t.Helper()
	parts := strings.Split(url, "/")
	id := parts[len(parts)-1]
	_, err := uuid.Parse(id)
	require.NoError(t, err, "url should end in a well-formed identifier")
	return id
}

func TestSubmitRejectsUnsupportedType(t *testing.T) {
	engine := &fakeEngine{}
	svc, _, bc := newTestService(t, engine)

	_, err := svc.Submit([]byte("data"), "text/plain", "http://host/image")
	require.ErrorIs(t, err, ErrUnsupportedMediaType)
	require.Equal(t, 0, engine.decodeCount(), "rejected uploads must not be decoded")
	require.Empty(t, bc.all())
}

func TestSubmitRejectsUndecodableBytes(t *testing.T) {
	engine := &fakeEngine{decodeErr: vision.ErrDecode}
	svc, _, _ := newTestService(t, engine)

	_, err := svc.Submit([]byte("not an image"), "image/jpeg", "http://host/image")
	require.ErrorIs(t, err, ErrInvalidImageData)
}

func TestSubmitProcessesAndNotifies(t *testing.T) {
	faces := []vision.Face{{X: 50, Y: 50, Width: 100, Height: 100, Confidence: 0.95}}
	engine := &fakeEngine{faces: faces, encoded: []byte("annotated-jpeg")}
	svc, st, bc := newTestService(t, engine)

	url, err := svc.Submit([]byte("jpeg bytes"), "image/jpeg", "http://host/image")
	require.NoError(t, err)
	id := idFromURL(t, url)

	require.Eventually(t, func() bool {
		return len(bc.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{url}, bc.all())

	data, err := st.Read(id)
	require.NoError(t, err)
	require.Equal(t, []byte("annotated-jpeg"), data)

	_, err = st.ReadMeta(id)
	require.NoError(t, err)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Equal(t, [][]vision.Face{faces}, engine.annotated)
}

func TestWriteHappensBeforeBroadcast(t *testing.T) {
	engine := &fakeEngine{encoded: []byte("out")}
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	checked := make(chan error, 1)
	bc := &fakeBroadcaster{}
	svc := New(engine, st, bc, 1)
	bc.onBroadcast = func(text string) {
		// At broadcast time the artifact must already be readable.
		id := text[strings.LastIndex(text, "/")+1:]
		_, err := st.Read(id)
		checked <- err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc.Start(ctx)

	_, err = svc.Submit([]byte("jpeg bytes"), "image/png", "http://host/image")
	require.NoError(t, err)

	select {
	case err := <-checked:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never fired")
	}
}

func TestDetectionFailureAbortsChain(t *testing.T) {
	engine := &fakeEngine{detectErr: errors.New("model exploded")}
	svc, st, bc := newTestService(t, engine)

	url, err := svc.Submit([]byte("jpeg bytes"), "image/jpeg", "http://host/image")
	require.NoError(t, err, "the acknowledgement is returned before the chain runs")
	id := idFromURL(t, url)

	require.Eventually(t, func() bool {
		return svc.Status()["failures_total"] == uint64(1)
	}, 2*time.Second, 10*time.Millisecond)

	require.Empty(t, bc.all(), "no broadcast after a failed chain")
	_, err = st.Read(id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestNoDetectionsStillStoredAndBroadcast(t *testing.T) {
	engine := &fakeEngine{faces: nil, encoded: []byte("untouched")}
	svc, st, bc := newTestService(t, engine)

	url, err := svc.Submit([]byte("jpeg bytes"), "image/jpeg", "http://host/image")
	require.NoError(t, err)
	id := idFromURL(t, url)

	require.Eventually(t, func() bool {
		return len(bc.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	data, err := st.Read(id)
	require.NoError(t, err)
	require.Equal(t, []byte("untouched"), data)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Len(t, engine.annotated, 1)
	require.Empty(t, engine.annotated[0])
}

func TestStatusCounters(t *testing.T) {
	engine := &fakeEngine{encoded: []byte("out")}
	svc, _, bc := newTestService(t, engine)

	_, err := svc.Submit([]byte("a"), "image/jpeg", "http://host/image")
	require.NoError(t, err)
	_, err = svc.Submit([]byte("b"), "image/png", "http://host/image")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(bc.all()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	status := svc.Status()
	require.Equal(t, uint64(2), status["uploads_total"])
	require.Equal(t, uint64(2), status["processed_total"])
	require.Equal(t, uint64(2), status["broadcasts_total"])
	require.Equal(t, uint64(0), status["failures_total"])
}

func TestFetchUnknownIdentifier(t *testing.T) {
	engine := &fakeEngine{}
	svc, _, _ := newTestService(t, engine)

	_, err := svc.Fetch(uuid.NewString())
	require.ErrorIs(t, err, store.ErrNotFound)
}
