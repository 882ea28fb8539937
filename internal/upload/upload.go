package upload

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	// decoders used to sniff uploads
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"slotwall/internal/fsutil"
	"slotwall/internal/metrics"
	"slotwall/internal/slots"
)

// Replacing a slot:
//   - validate slot id, declared type and file extension
//   - take the slot's writer lock
//   - stream the payload into <tempDir>/slotN-*.tmp, capped at MaxBytes
//   - check the bytes decode as an allowed image format
//   - fsync + rename over <imagesDir>/slotN.jpg
//   - bump the version, publish, unlock
//
// Anything that fails before the rename removes the temp file and leaves the
// slot's bytes and version untouched.

var (
	// ErrUnsupportedMediaType rejects a declared type, extension or content
	// outside jpeg, png and webp.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	// ErrPayloadTooLarge means the payload exceeded MaxBytes.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrStorageWrite wraps I/O failures while spooling or committing.
	ErrStorageWrite = errors.New("storage write failed")
	// ErrAborted covers payloads that could not be read to the end, typically
	// because the client went away.
	ErrAborted = errors.New("upload aborted")
)

// DefaultMaxBytes applies when Options.MaxBytes is not set.
const DefaultMaxBytes = 10 << 20

// Publisher receives committed changes.
type Publisher interface {
	Publish(ev slots.ChangeEvent)
}

type Options struct {
	ImagesDir string
	// TempDir holds in-flight payloads. It should be on the same filesystem
	// as ImagesDir so commits are a rename.
	TempDir   string
	MaxBytes  int64
	Store     *slots.Store
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Pipeline replaces slot images. It is safe for concurrent use.
type Pipeline struct {
	imagesDir string
	tempDir   string
	maxBytes  int64
	store     *slots.Store
	pub       Publisher
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// New creates the images and temp directories if needed.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, errors.New("upload: nil slot store")
	}
	if opts.ImagesDir == "" {
		return nil, errors.New("upload: images dir is required")
	}
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(opts.ImagesDir, ".uploads")
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	for _, dir := range []string{opts.ImagesDir, opts.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("upload: %w", err)
		}
	}
	return &Pipeline{
		imagesDir: opts.ImagesDir,
		tempDir:   opts.TempDir,
		maxBytes:  opts.MaxBytes,
		store:     opts.Store,
		pub:       opts.Publisher,
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// MaxBytes is the largest accepted payload.
func (p *Pipeline) MaxBytes() int64 { return p.maxBytes }

// SlotPath is where slot id's bytes live.
func (p *Pipeline) SlotPath(id int) string { return slots.Path(p.imagesDir, id) }

// ReplaceSlot stores payload as the new image for slot and returns the slot's
// new version. The caller is trusted to be authorized.
func (p *Pipeline) ReplaceSlot(ctx context.Context, slot int, payload io.Reader, filename, contentType string) (version uint64, err error) {
	start := time.Now()
	defer func() {
		p.metrics.Upload(resultLabel(err))
		if err != nil {
			p.log.WarnContext(ctx, "slot upload rejected",
				"slot", slot,
				"filename", filename,
				"content_type", contentType,
				"error", err,
			)
		}
	}()

	if err := p.store.Check(slot); err != nil {
		return 0, err
	}
	format, err := checkDeclared(filename, contentType)
	if err != nil {
		return 0, err
	}

	unlock, err := p.store.Lock(slot)
	if err != nil {
		return 0, err
	}
	defer unlock()

	f, err := fsutil.CreateTemp(p.tempDir, fmt.Sprintf("slot%d", slot))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	committed := false
	defer func() {
		if !committed {
			fsutil.Discard(f)
		}
	}()

	size, err := p.spool(ctx, f, payload)
	if err != nil {
		return 0, err
	}
	sniffed, err := sniff(f)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAborted, err)
	}

	committed = true
	if err := fsutil.Commit(f, p.SlotPath(slot)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	version, err = p.store.Bump(slot)
	if err != nil {
		return 0, err
	}
	if p.pub != nil {
		p.pub.Publish(slots.ChangeEvent{Slot: slot, Version: version})
	}

	p.metrics.UploadBytes(size)
	p.log.InfoContext(ctx, "slot updated",
		"slot", slot,
		"version", version,
		"bytes", size,
		"declared", format,
		"format", sniffed,
		"duration", time.Since(start),
	)
	return version, nil
}

// spool copies payload into f, enforcing the size cap and cancellation.
func (p *Pipeline) spool(ctx context.Context, f *os.File, payload io.Reader) (int64, error) {
	dst := &trackedWriter{w: f}
	src := io.LimitReader(ctxReader{ctx: ctx, r: payload}, p.maxBytes+1)
	n, err := io.Copy(dst, src)
	switch {
	case dst.err != nil:
		return n, fmt.Errorf("%w: %v", ErrStorageWrite, dst.err)
	case err != nil:
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return n, fmt.Errorf("%w: limit is %d bytes", ErrPayloadTooLarge, p.maxBytes)
		}
		return n, fmt.Errorf("%w: %v", ErrAborted, err)
	case n > p.maxBytes:
		return n, fmt.Errorf("%w: limit is %d bytes", ErrPayloadTooLarge, p.maxBytes)
	}
	return n, nil
}

// sniff rewinds f and checks that its header decodes as an allowed format.
func sniff(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	_, format, err := image.DecodeConfig(f)
	if err != nil {
		return "", fmt.Errorf("%w: content is not a supported image", ErrUnsupportedMediaType)
	}
	if _, ok := allowedFormats[format]; !ok {
		return "", fmt.Errorf("%w: content is %s", ErrUnsupportedMediaType, format)
	}
	return format, nil
}

var allowedFormats = map[string]struct{}{
	"jpeg": {},
	"png":  {},
	"webp": {},
}

var allowedExts = map[string]string{
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".png":  "png",
	".webp": "webp",
}

var allowedTypes = map[string]string{
	"image/jpeg": "jpeg",
	"image/jpg":  "jpeg",
	"image/png":  "png",
	"image/webp": "webp",
}

// checkDeclared requires both the declared MIME type and the filename
// extension to be on the allow-list; either alone is client-controlled.
func checkDeclared(filename, contentType string) (string, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: bad content type %q", ErrUnsupportedMediaType, contentType)
	}
	byType, ok := allowedTypes[strings.ToLower(mt)]
	if !ok {
		return "", fmt.Errorf("%w: type %s (allowed: jpeg, png, webp)", ErrUnsupportedMediaType, mt)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedExts[ext]; !ok {
		return "", fmt.Errorf("%w: extension %q (allowed: .jpg, .jpeg, .png, .webp)", ErrUnsupportedMediaType, ext)
	}
	return byType, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, slots.ErrInvalidSlot):
		return metrics.ResultInvalidSlot
	case errors.Is(err, ErrUnsupportedMediaType):
		return metrics.ResultBadType
	case errors.Is(err, ErrPayloadTooLarge):
		return metrics.ResultTooLarge
	case errors.Is(err, ErrAborted):
		return metrics.ResultCanceled
	default:
		return metrics.ResultStorage
	}
}

type trackedWriter struct {
	w   io.Writer
	err error
}

func (t *trackedWriter) Write(b []byte) (int, error) {
	n, err := t.w.Write(b)
	if err != nil {
		t.err = err
	}
	return n, err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
