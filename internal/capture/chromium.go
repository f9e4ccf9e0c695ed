package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"time"

	"github.com/chromedp/chromedp"
)

// Default capture parameters. The viewport matches the default panel.
const (
	DefaultWidth      = 800
	DefaultHeight     = 600
	DefaultTimeoutSec = 30
)

// Options defines parameters for a Chromium-based screenshot capture.
type Options struct {
	// URL to capture, e.g. "http://127.0.0.1:3000/dashboard".
	URL string

	// OutputPath, if set, also writes the PNG there (for previews).
	OutputPath string

	// Width and Height are the viewport dimensions in pixels. If zero,
	// DefaultWidth / DefaultHeight are used.
	Width  int
	Height int

	// WaitSelector, if set, is a CSS selector that must be visible before
	// the screenshot is taken, e.g. `[data-ready="true"]`.
	WaitSelector string

	// Timeout bounds the entire capture operation. If zero, a sane default
	// (DefaultTimeoutSec) is used.
	Timeout time.Duration
}

func (o *Options) normalize() error {
	if o.URL == "" {
		return fmt.Errorf("capture: URL is required")
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Duration(DefaultTimeoutSec) * time.Second
	}
	return nil
}

// PNG launches a headless Chromium via chromedp, navigates to opts.URL,
// optionally waits for opts.WaitSelector and returns a full-page PNG at the
// requested viewport size.
func PNG(parentCtx context.Context, opts Options) ([]byte, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var buf []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
	}
	if opts.WaitSelector != "" {
		tasks = append(tasks, chromedp.WaitVisible(opts.WaitSelector, chromedp.ByQuery))
	}
	tasks = append(tasks,
		// Small extra delay to allow final paints.
		chromedp.Sleep(500*time.Millisecond),
		chromedp.FullScreenshot(&buf, 100),
	)

	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}

	if opts.OutputPath != "" {
		if err := os.WriteFile(opts.OutputPath, buf, 0o644); err != nil {
			return nil, fmt.Errorf("capture: failed to write PNG: %w", err)
		}
	}
	return buf, nil
}

// Image captures opts.URL and decodes the screenshot.
func Image(ctx context.Context, opts Options) (image.Image, error) {
	buf, err := PNG(ctx, opts)
	if err != nil {
		return nil, err
	}
	return Decode(buf)
}

// Decode decodes PNG bytes.
func Decode(buf []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("capture: decode PNG: %w", err)
	}
	return img, nil
}
