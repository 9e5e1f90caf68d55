// Package images prepares message attachments for vision-capable models:
// download with host and size guards, then staged recompression until the
// payload fits the provider's image budget.
package images

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"

	"github.com/lingerbot/linger"
)

// Defaults for the attachment pipeline.
const (
	// DefaultMaxPayload is the provider per-image limit.
	DefaultMaxPayload = 5 * 1024 * 1024
	// DefaultTargetShare leaves headroom under the limit for base64 and
	// envelope overhead.
	DefaultTargetShare = 0.73
	// DefaultMaxDownload caps a single attachment fetch.
	DefaultMaxDownload = 50 * 1024 * 1024
	// DefaultMaxPerMessage bounds images taken from one message.
	DefaultMaxPerMessage = 5
	// DefaultPerUserConcurrency bounds simultaneous pipeline runs per
	// author.
	DefaultPerUserConcurrency = 2
)

// stage is one rung of the compression ladder: resize to fit maxDim
// (aspect preserved), re-encode as JPEG at quality.
type stage struct {
	maxDim  int
	quality int
}

// The ladder runs top to bottom until the payload fits.
var stages = []stage{
	{1568, 90},
	{1024, 90},
	{1024, 85},
	{1024, 75},
	{768, 75},
	{768, 60},
}

// Downloader fetches attachment bytes. linger.Platform satisfies it.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Config tunes a Processor. Zero fields take the defaults above.
type Config struct {
	MaxPayload    int
	TargetShare   float64
	MaxDownload   int64
	MaxPerMessage int
	PerUser       int
	// AllowedHosts is the CDN allowlist; a URL whose host is not listed
	// (or a subdomain of a listed host) is skipped. Empty allows nothing.
	AllowedHosts []string
}

// DiscordHosts is the stock allowlist for Discord attachments.
var DiscordHosts = []string{"cdn.discordapp.com", "media.discordapp.net"}

func (c *Config) fillDefaults() {
	if c.MaxPayload <= 0 {
		c.MaxPayload = DefaultMaxPayload
	}
	if c.TargetShare <= 0 || c.TargetShare > 1 {
		c.TargetShare = DefaultTargetShare
	}
	if c.MaxDownload <= 0 {
		c.MaxDownload = DefaultMaxDownload
	}
	if c.MaxPerMessage <= 0 {
		c.MaxPerMessage = DefaultMaxPerMessage
	}
	if c.PerUser <= 0 {
		c.PerUser = DefaultPerUserConcurrency
	}
}

// Processor turns message attachments into inline image blocks.
type Processor struct {
	cfg        Config
	downloader Downloader
	logger     *slog.Logger

	mu    sync.Mutex
	slots map[string]chan struct{} // per-user concurrency gates
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewProcessor creates a Processor over the given downloader.
func NewProcessor(d Downloader, cfg Config, opts ...Option) *Processor {
	cfg.fillDefaults()
	p := &Processor{
		cfg:        cfg,
		downloader: d,
		slots:      make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = nopLogger
	}
	return p
}

// FromMessage downloads and compresses the image attachments of one
// message. Failures skip the attachment, never the message.
func (p *Processor) FromMessage(ctx context.Context, m linger.Message) []linger.ImageData {
	var out []linger.ImageData
	for _, a := range m.Attachments {
		if len(out) >= p.cfg.MaxPerMessage {
			p.logger.Debug("images: per-message cap reached", "message_id", m.ID)
			break
		}
		if !isImage(a.ContentType) {
			continue
		}
		if !p.hostAllowed(a.URL) {
			p.logger.Warn("images: host not allowed", "url", a.URL)
			continue
		}
		if a.Size > p.cfg.MaxDownload {
			p.logger.Warn("images: attachment too large", "url", a.URL, "size", a.Size)
			continue
		}

		img, err := p.fetchOne(ctx, m.AuthorID, a)
		if err != nil {
			p.logger.Warn("images: attachment skipped", "filename", a.Filename, "error", err)
			continue
		}
		out = append(out, img)
	}
	return out
}

func (p *Processor) fetchOne(ctx context.Context, userID string, a linger.Attachment) (linger.ImageData, error) {
	release, err := p.acquire(ctx, userID)
	if err != nil {
		return linger.ImageData{}, err
	}
	defer release()

	raw, err := p.downloader.Download(ctx, a.URL)
	if err != nil {
		return linger.ImageData{}, fmt.Errorf("download: %w", err)
	}
	if int64(len(raw)) > p.cfg.MaxDownload {
		return linger.ImageData{}, fmt.Errorf("attachment exceeds %d bytes", p.cfg.MaxDownload)
	}
	return Process(raw, p.target())
}

func (p *Processor) target() int {
	return int(float64(p.cfg.MaxPayload) * p.cfg.TargetShare)
}

// acquire blocks until the author has a free pipeline slot.
func (p *Processor) acquire(ctx context.Context, userID string) (func(), error) {
	p.mu.Lock()
	slot := p.slots[userID]
	if slot == nil {
		slot = make(chan struct{}, p.cfg.PerUser)
		p.slots[userID] = slot
	}
	p.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Processor) hostAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range p.cfg.AllowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func isImage(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "image/")
}

// Process compresses raw image bytes to at most maxBytes, walking the
// stage ladder. Input already under budget passes through unchanged.
func Process(raw []byte, maxBytes int) (linger.ImageData, error) {
	if len(raw) <= maxBytes {
		return linger.ImageData{
			MimeType: sniffMime(raw),
			Base64:   base64.StdEncoding.EncodeToString(raw),
		}, nil
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return linger.ImageData{}, fmt.Errorf("decode: %w", err)
	}

	for _, st := range stages {
		scaled := fit(src, st.maxDim)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: st.quality}); err != nil {
			return linger.ImageData{}, fmt.Errorf("encode: %w", err)
		}
		if buf.Len() <= maxBytes {
			return linger.ImageData{
				MimeType: "image/jpeg",
				Base64:   base64.StdEncoding.EncodeToString(buf.Bytes()),
			}, nil
		}
	}
	return linger.ImageData{}, fmt.Errorf("image does not fit %d bytes after %d stages", maxBytes, len(stages))
}

// fit scales src so its longer side is at most maxDim, preserving
// aspect. Images already inside the box pass through.
func fit(src image.Image, maxDim int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return src
	}
	var nw, nh int
	if w >= h {
		nw = maxDim
		nh = h * maxDim / w
	} else {
		nh = maxDim
		nw = w * maxDim / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// sniffMime detects the mime type of raw image bytes.
func sniffMime(raw []byte) string {
	mime := http.DetectContentType(raw)
	if !strings.HasPrefix(mime, "image/") {
		return "application/octet-stream"
	}
	return mime
}
