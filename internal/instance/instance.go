// Package instance implements Browser Instance (component C): it owns
// one child browser process plus its driver, exposing the automation
// contract and tracking activity timestamps through an explicit state
// machine.
package instance

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chromefleet/internal/config"
	"chromefleet/internal/driver"
	"chromefleet/internal/ferrors"
	"chromefleet/internal/launch"
	"chromefleet/internal/logging"
)

// State is a node in the Browser Instance state machine (spec 4.3).
type State string

const (
	StateStarting    State = "Starting"
	StateReady       State = "Ready"
	StateBusy        State = "Busy"
	StateHibernating State = "Hibernating"
	StateClosing     State = "Closing"
	StateClosed      State = "Closed"
	StateError       State = "Error"
)

const (
	maxLaunchAttempts = 3
	initialBackoff    = 1 * time.Second
)

// transientSubstrings is the known-transient failure set lifecycle.py's
// _launch_chrome_with_retry matches against before retrying; anything
// else fails immediately.
var transientSubstrings = []string{
	"unable to connect to renderer",
	"chrome not reachable",
	"session not created",
	"chrome failed to start",
	"timeout",
}

// Instance is one live browser process plus its driver.
type Instance struct {
	ID           string
	ProfileName  string
	UserDataDir  string
	DebugPort    int
	CreatedAt    time.Time
	AntiDetect   bool
	SecurityLevel config.SecurityLevel

	Driver driver.Driver

	pageLoadTimeout time.Duration
	release         launch.Release

	mu           sync.Mutex
	state        State
	lastActivity time.Time
}

// Launch builds a plan via the Launch Options Builder, retries the spawn
// with exponential backoff on transient failures, installs the
// anti-detection startup script if requested, and returns a Ready
// Instance.
func Launch(ctx context.Context, builder *launch.Builder, factory driver.Factory, browserCfg config.Browser, opts launch.Options) (*Instance, error) {
	log := logging.Named("instance")

	if err := checkBinaryPaths(browserCfg); err != nil {
		return nil, err
	}

	plan, release, err := builder.Build(opts)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		ID:            uuid.NewString(),
		ProfileName:   plan.ProfileName,
		UserDataDir:   plan.UserDataDir,
		DebugPort:     plan.DebugPort,
		CreatedAt:     time.Now(),
		AntiDetect:    plan.AntiDetect,
		SecurityLevel: plan.SecurityLevel,
		pageLoadTimeout: browserCfg.PageLoadTimeout(),
		release:       release,
		state:         StateStarting,
		lastActivity:  time.Now(),
	}

	d, err := launchWithRetry(ctx, factory, driver.LaunchArgs{
		Headless:    plan.Headless,
		UserDataDir: plan.UserDataDir,
		DebugPort:   plan.DebugPort,
		ExtraFlags:  plan.Args,
		ChromePath:  browserCfg.ChromeBinaryPath,
		DownloadDir: plan.DownloadDir,
		Preferences: plan.Prefs,
	}, log)
	if err != nil {
		release()
		inst.mu.Lock()
		inst.state = StateError
		inst.mu.Unlock()
		return nil, err
	}
	inst.Driver = d

	if plan.AntiDetect {
		if err := d.AddStartupScript(ctx, plan.AntiDetectStartupScript); err != nil {
			log.Warn("failed to install anti-detect startup script", zap.Error(err))
		}
	}

	inst.mu.Lock()
	inst.state = StateReady
	inst.mu.Unlock()
	return inst, nil
}

func checkBinaryPaths(cfg config.Browser) error {
	if cfg.ChromeBinaryPath != "" {
		if _, err := statExists(cfg.ChromeBinaryPath); err != nil {
			return ferrors.Wrap(ferrors.KindLaunchFailed, "chrome_binary_path does not exist: "+cfg.ChromeBinaryPath, err)
		}
	}
	if cfg.ChromeDriverPath != "" {
		if _, err := statExists(cfg.ChromeDriverPath); err != nil {
			return ferrors.Wrap(ferrors.KindLaunchFailed, "chromedriver_path does not exist: "+cfg.ChromeDriverPath, err)
		}
	}
	return nil
}

func launchWithRetry(ctx context.Context, factory driver.Factory, args driver.LaunchArgs, log *logging.Logger) (driver.Driver, error) {
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxLaunchAttempts; attempt++ {
		d, err := factory.New(ctx, args)
		if err == nil {
			return d, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, ferrors.Wrap(ferrors.KindLaunchFailed, "non-retryable launch failure", err)
		}
		if attempt == maxLaunchAttempts {
			break
		}
		log.Warn("transient launch failure, retrying", zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ferrors.Wrap(ferrors.KindLaunchFailed, "launch canceled", ctx.Err())
		}
		backoff *= 2
	}
	return nil, ferrors.Wrap(ferrors.KindLaunchFailed, fmt.Sprintf("failed after %d attempts", maxLaunchAttempts), lastErr)
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// State returns the instance's current state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// LastActivity returns the last time this instance was used.
func (i *Instance) LastActivity() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastActivity
}

// Touch records activity now.
func (i *Instance) Touch(now time.Time) {
	i.mu.Lock()
	i.lastActivity = now
	i.mu.Unlock()
}

// Probe reads current_url as a cheap health check. Any error flips the
// instance to Error and is returned.
func (i *Instance) Probe(ctx context.Context) error {
	_, err := i.Driver.CurrentURL(ctx)
	if err != nil {
		i.setState(StateError)
		return ferrors.Wrap(ferrors.KindHealthFailed, "health probe failed", err)
	}
	return nil
}

// Navigate drives the instance to url, using the configured page-load
// timeout unless a more specific one is given.
func (i *Instance) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = i.pageLoadTimeout
	}
	if err := i.Driver.Navigate(ctx, url, timeout); err != nil {
		return ferrors.Wrap(ferrors.KindNavigationFailed, "navigate to "+url, err)
	}
	i.Touch(time.Now())
	return nil
}

// ExecuteScript runs src in the page context via the driver and touches
// activity, mirroring Navigate's bookkeeping. Callers are expected to
// have already run src through the Script Validator; this method is not
// itself validation-aware.
func (i *Instance) ExecuteScript(ctx context.Context, src string, args ...any) (any, error) {
	result, err := i.Driver.ExecuteScript(ctx, src, args...)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindScriptExecutionFailed, "execute script", err)
	}
	i.Touch(time.Now())
	return result, nil
}

// Quit stops the driver gracefully, then unconditionally releases the
// reserved port and user-data directory, regardless of whether the
// graceful quit succeeded. Double-quit is a no-op.
func (i *Instance) Quit(ctx context.Context) error {
	i.mu.Lock()
	if i.state == StateClosed || i.state == StateClosing {
		i.mu.Unlock()
		return nil
	}
	i.state = StateClosing
	i.mu.Unlock()

	var quitErr error
	if i.Driver != nil {
		quitErr = i.Driver.Quit(ctx)
	}
	if i.release != nil {
		i.release()
	}

	i.setState(StateClosed)
	return quitErr
}

func statExists(path string) (bool, error) {
	_, err := os.Stat(path)
	return err == nil, err
}
