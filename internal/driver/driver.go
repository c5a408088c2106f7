// Package driver defines the opaque automation contract the core drives
// an Instance through, and a chromedp-backed implementation of it. The
// core never depends on chromedp types directly outside this package —
// every other component depends on the Driver interface only.
package driver

import (
	"context"
	"time"
)

// Cookie mirrors the wire-shape cookies take in a Session Snapshot.
type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain"`
	Path     string     `json:"path"`
	Secure   bool       `json:"secure"`
	HTTPOnly bool       `json:"httpOnly"`
	Expiry   *time.Time `json:"expiry,omitempty"`
	SameSite string     `json:"sameSite,omitempty"`
}

// Driver is the opaque contract an Instance drives. Controllers and the
// Session Store depend on this interface only, never on a concrete
// browser-automation library.
type Driver interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	CurrentURL(ctx context.Context) (string, error)
	CurrentTitle(ctx context.Context) (string, error)
	PageSource(ctx context.Context) (string, error)

	WindowHandles(ctx context.Context) ([]string, error)
	CurrentWindowHandle(ctx context.Context) (string, error)
	SwitchToWindow(ctx context.Context, handle string) error
	OpenNewWindow(ctx context.Context) (string, error)
	CloseWindow(ctx context.Context, handle string) error

	GetCookies(ctx context.Context) ([]Cookie, error)
	AddCookie(ctx context.Context, c Cookie) error
	DeleteAllCookies(ctx context.Context) error

	ExecuteScript(ctx context.Context, src string, args ...any) (any, error)
	AddStartupScript(ctx context.Context, src string) error

	Screenshot(ctx context.Context) ([]byte, error)

	Quit(ctx context.Context) error
}

// Factory builds a Driver bound to a fresh allocator/tab context rooted
// at userDataDir, listening on debugPort. Concrete implementations live
// beside the library they wrap (see chromedp.go).
type Factory interface {
	New(ctx context.Context, opts LaunchArgs) (Driver, error)
}

// LaunchArgs is the subset of the Launch Plan a Factory needs to spawn a
// process: the full plan lives in package launch, this is the narrow view
// the driver layer actually consumes.
type LaunchArgs struct {
	Headless     bool
	UserDataDir  string
	DebugPort    int
	ExtraFlags   []string
	ChromePath   string
	DownloadDir  string
	Preferences  map[string]any
}
