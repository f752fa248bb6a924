package rodhost

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// LaunchConfig selects the browser binary and mode.
type LaunchConfig struct {
	Headless bool
	// Bin is the browser binary; empty lets the launcher find or download one.
	Bin string
}

// Browser is a launched browser process with its CDP connection.
type Browser struct {
	*rod.Browser
	launcher *launcher.Launcher
}

// Launch starts a browser and connects to it. The process is killed when
// Close is called.
func Launch(ctx context.Context, cfg LaunchConfig) (*Browser, error) {
	l := launcher.New().Headless(cfg.Headless)
	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}
	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	return &Browser{Browser: b, launcher: l}, nil
}

// Watch opens a blank page, attaches sink to it and navigates to url, so
// events from the first load are captured.
func (b *Browser) Watch(ctx context.Context, url string, sink Sink, opts ...Option) (*Session, error) {
	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	session, err := Attach(ctx, page, sink, opts...)
	if err != nil {
		_ = page.Close()
		return nil, err
	}
	if err := session.Navigate(url); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

// Close disconnects and kills the browser process.
func (b *Browser) Close() error {
	err := b.Browser.Close()
	b.launcher.Kill()
	b.launcher.Cleanup()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
