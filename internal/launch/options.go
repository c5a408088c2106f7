// Package launch implements the Launch Options Builder (component B): it
// computes a per-launch argument/preference set and decides the
// user-data directory for a launch, isolating concurrent instances that
// share a logical profile.
package launch

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"chromefleet/internal/config"
	"chromefleet/internal/ferrors"
	"chromefleet/internal/logging"
	"chromefleet/internal/profile"
	"chromefleet/internal/reclaim"
)

// Options is the caller-supplied request; it mirrors the fields the
// Fleet Manager's get_or_create accepts.
type Options struct {
	Headless     bool
	Profile      string // empty means no named profile
	AntiDetect   bool
	SecurityLevel config.SecurityLevel
	DownloadDir  string
	KillOrphaned bool
	ExtraArgs    []string
}

// Plan is the transient value produced immediately before a spawn; it is
// never stored, matching the Launch Plan's data-model contract.
type Plan struct {
	Headless    bool
	ProfileName string
	UserDataDir string
	DebugPort   int
	Args        []string
	Prefs       map[string]any
	AntiDetect  bool
	AntiDetectStartupScript string
	SecurityLevel config.SecurityLevel
	DownloadDir string
}

// Release tears down the resources a Plan reserved: the temp user-data
// directory and the debug port. It must run on every exit path, success
// or failure, once the browser process tied to the Plan has stopped.
type Release func()

// Builder is the Launch Options Builder.
type Builder struct {
	cfg       config.Browser
	profiles  *profile.Registry
	reclaimer *reclaim.Reclaimer
	ports     *PortAllocator
	log       *logging.Logger
}

func NewBuilder(cfg config.Browser, profiles *profile.Registry, reclaimer *reclaim.Reclaimer) *Builder {
	return &Builder{
		cfg:       cfg,
		profiles:  profiles,
		reclaimer: reclaimer,
		ports:     NewPortAllocator(),
		log:       logging.Named("launch"),
	}
}

// Build produces a Plan for the given Options. If opts.Profile names an
// existing, non-empty profile directory, it is copied into a unique temp
// directory so no two concurrent instances share a live user-data-dir.
func (b *Builder) Build(opts Options) (*Plan, Release, error) {
	port, err := b.ports.Allocate()
	if err != nil {
		return nil, nil, ferrors.Wrap(ferrors.KindLaunchFailed, "allocate debug port", err)
	}
	release := func() { b.ports.Release(port) }

	userDataDir, cleanupDir, err := b.resolveUserDataDir(opts)
	if err != nil {
		release()
		return nil, nil, err
	}
	release = chain(release, cleanupDir)

	level := opts.SecurityLevel
	if level == "" {
		level = config.SecurityStandard
	}

	plan := &Plan{
		Headless:      opts.Headless,
		ProfileName:   opts.Profile,
		UserDataDir:   userDataDir,
		DebugPort:     port,
		Prefs:         buildPreferences(level, opts.DownloadDir),
		AntiDetect:    opts.AntiDetect,
		SecurityLevel: level,
		DownloadDir:   opts.DownloadDir,
	}
	plan.Args = append(commonArgs(), securityArgs(level)...)
	if opts.AntiDetect {
		plan.Args = append(plan.Args, antiDetectArgs()...)
		plan.AntiDetectStartupScript = antiDetectStartupScriptPlaceholder
	}
	plan.Args = append(plan.Args, opts.ExtraArgs...)

	return plan, release, nil
}

// resolveUserDataDir implements rule 2 of the Launch Options Builder:
// copy a non-empty named profile into chrome_profile_<name>_<rand>,
// otherwise create an empty chrome_temp_<rand>. It also runs the
// pre-launch orphan check (rule 3 / component G) when opts.Profile names
// an existing profile.
func (b *Builder) resolveUserDataDir(opts Options) (string, Release, error) {
	if opts.Profile == "" {
		dir, err := os.MkdirTemp("", fmt.Sprintf("chrome_temp_%s_", randSuffix()))
		if err != nil {
			return "", nil, ferrors.Wrap(ferrors.KindLaunchFailed, "create temp user-data-dir", err)
		}
		return dir, func() { os.RemoveAll(dir) }, nil
	}

	srcDir, err := b.profiles.GetDir(opts.Profile)
	if err != nil {
		return "", nil, err
	}

	live, err := b.reclaimer.HasLiveHolder(srcDir)
	if err != nil {
		return "", nil, ferrors.Wrap(ferrors.KindLaunchFailed, "inspect profile lock", err)
	}
	if live {
		if !opts.KillOrphaned {
			return "", nil, ferrors.New(ferrors.KindProfileLocked,
				fmt.Sprintf("profile %q has a live browser holding its lock; pass kill_orphaned to reclaim it", opts.Profile))
		}
		if _, err := b.reclaimer.KillOrphansFor(srcDir, true); err != nil {
			return "", nil, ferrors.Wrap(ferrors.KindLaunchFailed, "reclaim orphaned process", err)
		}
	} else {
		// Even without a live holder, a stale lock from a crashed process
		// may remain; always sweep it before copying.
		if _, err := b.reclaimer.KillOrphansFor(srcDir, false); err != nil {
			b.log.Warn("stale lock cleanup failed", zap.Error(err))
		}
	}

	empty, err := dirIsEmpty(srcDir)
	if err != nil {
		return "", nil, ferrors.Wrap(ferrors.KindLaunchFailed, "inspect profile dir", err)
	}
	if empty {
		dir, err := os.MkdirTemp("", fmt.Sprintf("chrome_temp_%s_", randSuffix()))
		if err != nil {
			return "", nil, ferrors.Wrap(ferrors.KindLaunchFailed, "create temp user-data-dir", err)
		}
		return dir, func() { os.RemoveAll(dir) }, nil
	}

	dstDir, err := os.MkdirTemp("", fmt.Sprintf("chrome_profile_%s_%s_", opts.Profile, randSuffix()))
	if err != nil {
		return "", nil, ferrors.Wrap(ferrors.KindLaunchFailed, "create profile copy dir", err)
	}
	if err := copyTree(srcDir, dstDir); err != nil {
		os.RemoveAll(dstDir)
		return "", nil, ferrors.Wrap(ferrors.KindLaunchFailed, "copy profile to temp dir", err)
	}
	return dstDir, func() { os.RemoveAll(dstDir) }, nil
}

func dirIsEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(entries) == 0, nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

var randMu sync.Mutex

func randSuffix() string {
	randMu.Lock()
	defer randMu.Unlock()
	return fmt.Sprintf("%08x", rand.Uint32())
}

func chain(a, b Release) Release {
	return func() {
		if b != nil {
			b()
		}
		if a != nil {
			a()
		}
	}
}
