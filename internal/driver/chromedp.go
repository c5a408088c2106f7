package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeDPFactory builds chromedp-backed Drivers. Grounded on the
// teacher's pkg/browser.BrowserPool.createInstance flag set.
type ChromeDPFactory struct {
	// Ctx is the parent context the allocator is rooted under; typically
	// the pool's long-lived background context so a pool shutdown tears
	// down every outstanding allocator.
	Ctx context.Context
}

func (f *ChromeDPFactory) New(ctx context.Context, args LaunchArgs) (Driver, error) {
	parent := f.Ctx
	if parent == nil {
		parent = context.Background()
	}

	if err := writePreferences(args.UserDataDir, args.Preferences); err != nil {
		return nil, fmt.Errorf("write chrome preferences: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", args.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.UserDataDir(args.UserDataDir),
		chromedp.Flag("remote-debugging-port", fmt.Sprintf("%d", args.DebugPort)),
	)
	if args.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(args.ChromePath))
	}
	if args.DownloadDir != "" {
		opts = append(opts, chromedp.Flag("download-default-directory", args.DownloadDir))
	}
	for _, flag := range args.ExtraFlags {
		name, val := splitFlag(flag)
		opts = append(opts, chromedp.Flag(name, val))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, err
	}

	return &chromeDPDriver{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}, nil
}

// splitFlag turns "name=value" into (name, value); a bare "name" becomes
// (name, true).
func splitFlag(flag string) (string, any) {
	if idx := strings.IndexByte(flag, '='); idx >= 0 {
		return flag[:idx], flag[idx+1:]
	}
	return flag, true
}

// chromeDPDriver implements Driver on top of a chromedp allocator/tab
// context pair, keeping the allocator and the active tab as separate
// cancelable contexts.
type chromeDPDriver struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

func (d *chromeDPDriver) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	navCtx, cancel := context.WithTimeout(d.tabCtx, timeout)
	defer cancel()
	return chromedp.Run(navCtx, chromedp.Navigate(url))
}

func (d *chromeDPDriver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := chromedp.Run(d.tabCtx, chromedp.Location(&url))
	return url, err
}

func (d *chromeDPDriver) CurrentTitle(ctx context.Context) (string, error) {
	var title string
	err := chromedp.Run(d.tabCtx, chromedp.Title(&title))
	return title, err
}

func (d *chromeDPDriver) PageSource(ctx context.Context) (string, error) {
	var html string
	err := chromedp.Run(d.tabCtx, chromedp.OuterHTML("html", &html))
	return html, err
}

func (d *chromeDPDriver) WindowHandles(ctx context.Context) ([]string, error) {
	targets, err := chromedp.Targets(d.allocCtx)
	if err != nil {
		return nil, err
	}
	handles := make([]string, 0, len(targets))
	for _, t := range targets {
		if t.Type == "page" {
			handles = append(handles, string(t.TargetID))
		}
	}
	return handles, nil
}

func (d *chromeDPDriver) CurrentWindowHandle(ctx context.Context) (string, error) {
	return string(chromedp.FromContext(d.tabCtx).Target.TargetID), nil
}

func (d *chromeDPDriver) SwitchToWindow(ctx context.Context, handle string) error {
	newCtx, _ := chromedp.NewContext(d.allocCtx, chromedp.WithTargetID(cdp.TargetID(handle)))
	d.tabCtx = newCtx
	return nil
}

func (d *chromeDPDriver) OpenNewWindow(ctx context.Context) (string, error) {
	newCtx, cancel := chromedp.NewContext(d.allocCtx)
	if err := chromedp.Run(newCtx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return "", err
	}
	d.tabCtx = newCtx
	return string(chromedp.FromContext(newCtx).Target.TargetID), nil
}

func (d *chromeDPDriver) CloseWindow(ctx context.Context, handle string) error {
	tabCtx := d.tabCtx
	if c := chromedp.FromContext(d.tabCtx); handle != "" && (c.Target == nil || string(c.Target.TargetID) != handle) {
		tabCtx, _ = chromedp.NewContext(d.allocCtx, chromedp.WithTargetID(cdp.TargetID(handle)))
	}
	return chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.Close().Do(ctx)
	}))
}

func (d *chromeDPDriver) GetCookies(ctx context.Context) ([]Cookie, error) {
	var cdpCookies []*network.Cookie
	err := chromedp.Run(d.tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cdpCookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make([]Cookie, 0, len(cdpCookies))
	for _, c := range cdpCookies {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

func (d *chromeDPDriver) AddCookie(ctx context.Context, c Cookie) error {
	return chromedp.Run(d.tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		params := network.SetCookie(c.Name, c.Value).
			WithDomain(c.Domain).
			WithPath(c.Path).
			WithSecure(c.Secure).
			WithHTTPOnly(c.HTTPOnly)
		if c.Expiry != nil {
			params = params.WithExpires(cdp.TimeSinceEpoch(*c.Expiry))
		}
		_, err := params.Do(ctx)
		return err
	}))
}

func (d *chromeDPDriver) DeleteAllCookies(ctx context.Context) error {
	return chromedp.Run(d.tabCtx, network.ClearBrowserCookies())
}

func (d *chromeDPDriver) ExecuteScript(ctx context.Context, src string, args ...any) (any, error) {
	var result any
	err := chromedp.Run(d.tabCtx, chromedp.Evaluate(src, &result))
	return result, err
}

func (d *chromeDPDriver) AddStartupScript(ctx context.Context, src string) error {
	return chromedp.Run(d.tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ctx)
		return err
	}))
}

func (d *chromeDPDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := chromedp.Run(d.tabCtx, chromedp.FullScreenshot(&buf, 90))
	return buf, err
}

func (d *chromeDPDriver) Quit(ctx context.Context) error {
	d.tabCancel()
	d.allocCancel()
	return nil
}

// writePreferences seeds the profile's Preferences file with prefs before
// Chrome's first read of the user-data dir, so the security preset's
// preference diff (safebrowsing, download prompts, the password manager
// and notification blocks) actually takes effect. A no-op when prefs is
// empty. For a profile directory copied from an existing one, the diff is
// merged on top of whatever Preferences file the profile already has.
func writePreferences(userDataDir string, prefs map[string]any) error {
	if len(prefs) == 0 {
		return nil
	}
	dir := filepath.Join(userDataDir, "Default")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "Preferences")
	root := make(map[string]any)
	if existing, err := os.ReadFile(path); err == nil {
		if json.Unmarshal(existing, &root) != nil || root == nil {
			root = make(map[string]any)
		}
	}
	data, err := json.Marshal(nestPreferences(root, prefs))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// nestPreferences expands buildPreferences' dotted flat keys (e.g.
// "profile.password_manager_enabled") into the nested object tree
// Chrome's Preferences file actually uses, writing them into root.
func nestPreferences(root, flat map[string]any) map[string]any {
	for key, val := range flat {
		parts := strings.Split(key, ".")
		node := root
		for i, part := range parts {
			if i == len(parts)-1 {
				node[part] = val
				break
			}
			next, ok := node[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[part] = next
			}
			node = next
		}
	}
	return root
}
