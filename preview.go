package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const previewTimeout = 30 * time.Second

// Preview is what a mail client with a full HTML engine would show.
type Preview struct {
	PNG  []byte
	Text string
}

// RenderPreview loads htmlBody into a headless Chromium page and captures a
// full-page screenshot plus the visible text.
func RenderPreview(ctx context.Context, htmlBody string) (*Preview, error) {
	ctx, cancel := context.WithTimeout(ctx, previewTimeout)
	defer cancel()

	u, err := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	b := rod.New().ControlURL(u).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer b.Close()

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("page: %w", err)
	}
	defer page.Close()

	if err := (proto.EmulationSetDeviceMetricsOverride{Width: 800, Height: 600, DeviceScaleFactor: 1}).Call(page); err != nil {
		return nil, fmt.Errorf("viewport: %w", err)
	}
	if err := page.SetDocumentContent(htmlBody); err != nil {
		return nil, fmt.Errorf("load body: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}

	png, err := page.Screenshot(true, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}

	var text string
	if body, err := page.Element("body"); err == nil {
		text, _ = body.Text()
	}
	return &Preview{PNG: png, Text: strings.TrimSpace(text)}, nil
}

// writePreview renders content and writes the screenshot to path (0o600).
func writePreview(ctx context.Context, c Content, path string) error {
	if !strings.EqualFold(filepath.Ext(path), ".png") {
		return fmt.Errorf("preview path must end in .png: %s", path)
	}
	p, err := RenderPreview(ctx, c.HTML)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
	}
	if err := os.WriteFile(path, p.PNG, 0o600); err != nil {
		return fmt.Errorf("write preview: %w", err)
	}
	slog.Info("Preview written", "path", absPath(path), "bytes", len(p.PNG))
	fmt.Printf("Subject: %s\n\n%s\n", c.Subject, p.Text)
	return nil
}
