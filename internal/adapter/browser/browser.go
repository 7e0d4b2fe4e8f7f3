// Package browser owns the authenticated browser session. It is the only
// place a real browser is driven; everything else sees the session through
// the narrow fetch capabilities it exposes.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/spf13/afero"

	"github.com/jgivc/mjarchive/internal/common"
	"github.com/jgivc/mjarchive/internal/config"
)

const (
	homeURL = "https://www.midjourney.com/home/"

	sessionCookieName = "__Secure-next-auth.session-token"
	appShellID        = "app-root"
	cookiesFileName   = "cookies.json"

	cookiesFileMode = 0o600

	// downloadImageJS reads the page's image element back as a data URI, so
	// the bytes travel through the authenticated browser context.
	downloadImageJS = `new Promise((resolve, reject) => {
	const img = document.querySelector("img");
	if (!img) {
		reject(new Error("no image element"));
		return;
	}
	fetch(img.src)
		.then((r) => r.blob())
		.then((blob) => {
			const reader = new FileReader();
			reader.onloadend = () => resolve(reader.result);
			reader.onerror = () => reject(reader.error);
			reader.readAsDataURL(blob);
		})
		.catch(reject);
})`
)

// storedCookie is the persisted form of a browser cookie. Only the fields
// needed to restore a session survive.
type storedCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"http_only"`
	Secure   bool    `json:"secure"`
}

// Session drives one Chrome instance for the whole run. The orchestrator
// owns it: Start once, Close on every exit path.
type Session struct {
	cfg  *config.BrowserConfig
	fs   afero.Fs
	root string
	log  *slog.Logger

	browserCtx context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

func NewSession(cfg *config.BrowserConfig, fs afero.Fs, root string, log *slog.Logger) *Session {
	return &Session{
		cfg:  cfg,
		fs:   fs,
		root: root,
		log:  log.With(slog.String("item", "Session")),
	}
}

// Start launches the browser process.
func (s *Session) Start(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if s.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(s.cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	cancel := func() {
		browserCancel()
		allocCancel()
	}

	if err := chromedp.Run(browserCtx); err != nil {
		cancel()

		return fmt.Errorf("cannot start browser: %w", err)
	}

	s.browserCtx = browserCtx
	s.cancel = cancel
	s.log.Info("Browser started", slog.Bool("headless", s.cfg.Headless))

	return nil
}

// Login restores saved cookies, opens the home page and waits until the app
// shell appears - either right away thanks to a still-valid session, or
// after the user logs in by hand. The session token cookie must be present
// when the wait ends.
func (s *Session) Login(ctx context.Context) error {
	if err := s.restoreCookies(); err != nil {
		s.log.Warn("Cannot restore cookies", slog.Any("error", err))
	}

	tctx, cancel := s.withTimeout(ctx, s.cfg.LoginTimeout.Std())
	defer cancel()

	if err := chromedp.Run(tctx,
		chromedp.Navigate(homeURL),
		chromedp.WaitReady(appShellID, chromedp.ByID),
	); err != nil {
		return fmt.Errorf("%w: app shell did not appear: %w", common.ErrAuthentication, err)
	}

	var cookies []*network.Cookie
	if err := chromedp.Run(tctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)

		return err
	})); err != nil {
		return fmt.Errorf("%w: cannot read session cookies: %w", common.ErrAuthentication, err)
	}

	token := ""
	for _, c := range cookies {
		if c.Name == sessionCookieName {
			token = c.Value

			break
		}
	}

	if token == "" {
		return fmt.Errorf("%w: session token cookie not found", common.ErrAuthentication)
	}

	if err := s.saveCookies(cookies); err != nil {
		s.log.Warn("Cannot save cookies", slog.Any("error", err))
	}

	s.log.Info("Logged in")

	return nil
}

// FetchPage navigates to url and returns the rendered document.
func (s *Session) FetchPage(ctx context.Context, url string) (string, error) {
	tctx, cancel := s.withTimeout(ctx, s.cfg.PageTimeout.Std())
	defer cancel()

	var html string
	if err := chromedp.Run(tctx,
		chromedp.Navigate(url),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return "", fmt.Errorf("cannot fetch page %s: %w", url, err)
	}

	return html, nil
}

// FetchImage navigates to the image url and reads the bytes back through the
// page as a data URI. Returns the data and the media subtype actually served.
func (s *Session) FetchImage(ctx context.Context, url string) ([]byte, string, error) {
	tctx, cancel := s.withTimeout(ctx, s.cfg.PageTimeout.Std())
	defer cancel()

	var dataURI string
	if err := chromedp.Run(tctx,
		chromedp.Navigate(url),
		chromedp.Evaluate(downloadImageJS, &dataURI, awaitPromise),
	); err != nil {
		return nil, "", fmt.Errorf("%w: cannot fetch image %s: %w", common.ErrNetwork, url, err)
	}

	return decodeDataURI(dataURI)
}

// Close shuts the browser down. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}

		s.log.Info("Browser closed")
	})
}

// withTimeout bounds a browser operation by both the caller's context and
// the configured timeout.
func (s *Session) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	tctx, cancel := context.WithTimeout(s.browserCtx, d)

	stop := context.AfterFunc(ctx, cancel)

	return tctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) cookiesPath() string {
	return filepath.Join(s.root, cookiesFileName)
}

func (s *Session) restoreCookies() error {
	data, err := afero.ReadFile(s.fs, s.cookiesPath())
	if err != nil {
		// Missing cookie cache is the normal first-run state.
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("cannot read cookies: %w", err)
	}

	var cookies []storedCookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return fmt.Errorf("cannot decode cookies: %w", err)
	}

	err = chromedp.Run(s.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			p := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			if c.Expires > 0 {
				expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				p = p.WithExpires(&expires)
			}

			if err := p.Do(ctx); err != nil {
				// A single stale cookie must not break session restore.
				s.log.Debug("Cannot set cookie", slog.String("name", c.Name), slog.Any("error", err))
			}
		}

		return nil
	}))
	if err != nil {
		return fmt.Errorf("cannot restore cookies: %w", err)
	}

	s.log.Debug("Restored cookies", slog.Int("count", len(cookies)))

	return nil
}

func (s *Session) saveCookies(cookies []*network.Cookie) error {
	stored := make([]storedCookie, 0, len(cookies))
	for _, c := range cookies {
		stored = append(stored, storedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot encode cookies: %w", err)
	}

	if err := afero.WriteFile(s.fs, s.cookiesPath(), data, cookiesFileMode); err != nil {
		return fmt.Errorf("cannot write cookies: %w", err)
	}

	return nil
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// decodeDataURI splits a data:image/...;base64 URI into raw bytes and the
// media subtype.
func decodeDataURI(uri string) ([]byte, string, error) {
	header, encoded, ok := strings.Cut(uri, ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: malformed data URI", common.ErrParse)
	}

	mediaType := strings.TrimPrefix(header, "data:")
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}

	imageType := mediaType
	if i := strings.LastIndexByte(mediaType, '/'); i >= 0 {
		imageType = mediaType[i+1:]
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("%w: cannot decode data URI: %w", common.ErrParse, err)
	}

	return data, imageType, nil
}
