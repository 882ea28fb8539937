package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotwall/internal/hub"
	"slotwall/internal/slots"
)

// 1x1 lossless webp.
const webpPixel = "UklGRhoAAABXRUJQVlA4TA0AAAAvAAAAEAcQERGIiP4HAA=="

type fakePublisher struct {
	mu     sync.Mutex
	events []slots.ChangeEvent
}

func (f *fakePublisher) Publish(ev slots.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakePublisher) Events() []slots.ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]slots.ChangeEvent(nil), f.events...)
}

func pngBytes(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.RGBA{R: seed, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

type env struct {
	pipe   *Pipeline
	store  *slots.Store
	pub    *fakePublisher
	images string
	tmp    string
}

func newEnv(t *testing.T, maxBytes int64) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		store:  slots.NewStore(12),
		pub:    &fakePublisher{},
		images: filepath.Join(dir, "images"),
		tmp:    filepath.Join(dir, "state", "uploads"),
	}
	p, err := New(Options{
		ImagesDir: e.images,
		TempDir:   e.tmp,
		MaxBytes:  maxBytes,
		Store:     e.store,
		Publisher: e.pub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	e.pipe = p
	return e
}

func (e *env) assertNoTemps(t *testing.T) {
	t.Helper()
	ents, err := os.ReadDir(e.tmp)
	require.NoError(t, err)
	assert.Empty(t, ents, "temp files left behind")
}

func TestReplaceSlot_Success(t *testing.T) {
	e := newEnv(t, 0)
	payload := pngBytes(t, 1)

	v, err := e.pipe.ReplaceSlot(context.Background(), 5, bytes.NewReader(payload), "cat.png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	got, err := os.ReadFile(filepath.Join(e.images, "slot5.jpg"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.Equal(t, []slots.ChangeEvent{{Slot: 5, Version: 1}}, e.pub.Events())
	for id := 1; id <= 12; id++ {
		ver, _ := e.store.Version(id)
		if id == 5 {
			assert.Equal(t, uint64(1), ver)
		} else {
			assert.Zero(t, ver, "slot %d", id)
		}
	}
	e.assertNoTemps(t)
}

func TestReplaceSlot_AllFormats(t *testing.T) {
	webp, err := base64.StdEncoding.DecodeString(webpPixel)
	require.NoError(t, err)

	tests := []struct {
		name, filename, contentType string
		payload                     []byte
	}{
		{"png", "a.PNG", "image/png", pngBytes(t, 2)},
		{"jpeg", "a.jpeg", "image/jpeg", jpegBytes(t)},
		{"jpg with params", "a.jpg", "image/jpeg; charset=binary", jpegBytes(t)},
		{"webp", "a.webp", "image/webp", webp},
	}
	e := newEnv(t, 0)
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := e.pipe.ReplaceSlot(context.Background(), i+1, bytes.NewReader(tt.payload), tt.filename, tt.contentType)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), v)
		})
	}
}

func TestReplaceSlot_Rejections(t *testing.T) {
	good := pngBytes(t, 3)
	tests := []struct {
		name        string
		slot        int
		filename    string
		contentType string
		payload     []byte
		maxBytes    int64
		wantErr     error
	}{
		{"slot zero", 0, "a.png", "image/png", good, 0, slots.ErrInvalidSlot},
		{"slot thirteen", 13, "a.png", "image/png", good, 0, slots.ErrInvalidSlot},
		{"gif type", 1, "a.png", "image/gif", good, 0, ErrUnsupportedMediaType},
		{"exe extension", 1, "a.exe", "image/png", good, 0, ErrUnsupportedMediaType},
		{"no extension", 1, "png", "image/png", good, 0, ErrUnsupportedMediaType},
		{"empty type", 1, "a.png", "", good, 0, ErrUnsupportedMediaType},
		{"spoofed content", 1, "a.png", "image/png", []byte("<?php echo 1; ?>"), 0, ErrUnsupportedMediaType},
		{"empty body", 1, "a.png", "image/png", nil, 0, ErrUnsupportedMediaType},
		{"too large", 1, "a.png", "image/png", good, int64(len(good) - 1), ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.maxBytes)
			prior := []byte("prior")
			require.NoError(t, os.WriteFile(filepath.Join(e.images, "slot1.jpg"), prior, 0o644))

			v, err := e.pipe.ReplaceSlot(context.Background(), tt.slot, bytes.NewReader(tt.payload), tt.filename, tt.contentType)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, v)

			got, err := os.ReadFile(filepath.Join(e.images, "slot1.jpg"))
			require.NoError(t, err)
			assert.Equal(t, prior, got)
			ver, _ := e.store.Version(1)
			assert.Zero(t, ver)
			assert.Empty(t, e.pub.Events())
			e.assertNoTemps(t)
		})
	}
}

func TestReplaceSlot_ExactLimitAccepted(t *testing.T) {
	good := pngBytes(t, 4)
	e := newEnv(t, int64(len(good)))
	_, err := e.pipe.ReplaceSlot(context.Background(), 1, bytes.NewReader(good), "a.png", "image/png")
	require.NoError(t, err)
}

func TestReplaceSlot_StorageFailure(t *testing.T) {
	e := newEnv(t, 0)
	// A directory where the slot file should go makes the commit fail.
	require.NoError(t, os.MkdirAll(filepath.Join(e.images, "slot2.jpg", "x"), 0o755))

	_, err := e.pipe.ReplaceSlot(context.Background(), 2, bytes.NewReader(pngBytes(t, 5)), "a.png", "image/png")
	require.ErrorIs(t, err, ErrStorageWrite)

	ver, _ := e.store.Version(2)
	assert.Zero(t, ver)
	assert.Empty(t, e.pub.Events())
	e.assertNoTemps(t)
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(b []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(b, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestReplaceSlot_ClientGoesAway(t *testing.T) {
	e := newEnv(t, 0)
	payload := pngBytes(t, 6)

	t.Run("read error", func(t *testing.T) {
		r := &failingReader{data: payload[:10], err: io.ErrUnexpectedEOF}
		_, err := e.pipe.ReplaceSlot(context.Background(), 3, r, "a.png", "image/png")
		require.ErrorIs(t, err, ErrAborted)
	})
	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := e.pipe.ReplaceSlot(ctx, 3, bytes.NewReader(payload), "a.png", "image/png")
		require.ErrorIs(t, err, ErrAborted)
	})

	ver, _ := e.store.Version(3)
	assert.Zero(t, ver)
	assert.Empty(t, e.pub.Events())
	assert.NoFileExists(t, filepath.Join(e.images, "slot3.jpg"))
	e.assertNoTemps(t)
}

func TestReplaceSlot_ConcurrentSameSlot(t *testing.T) {
	dir := t.TempDir()
	store := slots.NewStore(12)
	h := hub.New(hub.Options{Buffer: 64, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	sub := h.Subscribe()
	p, err := New(Options{
		ImagesDir: filepath.Join(dir, "images"),
		Store:     store,
		Publisher: h,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	const n = 8
	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = pngBytes(t, uint8(10+i))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		byVersion = map[uint64][]byte{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := p.ReplaceSlot(context.Background(), 7, bytes.NewReader(payloads[i]), "a.png", "image/png")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			byVersion[v] = payloads[i]
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	h.Unsubscribe(sub)

	require.Len(t, byVersion, n, "a version was handed out twice")
	var got []uint64
	for ev := range sub.Events() {
		assert.Equal(t, 7, ev.Slot)
		got = append(got, ev.Version)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8}, got)

	// The file on disk is the payload that produced the latest version.
	onDisk, err := os.ReadFile(p.SlotPath(7))
	require.NoError(t, err)
	assert.Equal(t, byVersion[n], onDisk)
}

func TestReplaceSlot_DifferentSlotsDoNotWait(t *testing.T) {
	e := newEnv(t, 0)
	unlock, err := e.store.Lock(1)
	require.NoError(t, err)
	defer unlock()

	payload := pngBytes(t, 7)
	done := make(chan error, 1)
	go func() {
		_, err := e.pipe.ReplaceSlot(context.Background(), 2, bytes.NewReader(payload), "a.png", "image/png")
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("upload to slot 2 blocked on slot 1")
	}
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "ok", resultLabel(nil))
	assert.Equal(t, "storage_error", resultLabel(errors.New("boom")))
	assert.Equal(t, "payload_too_large", resultLabel(ErrPayloadTooLarge))
}
