// Package session implements the Session Store (component F): captures a
// multi-tab Snapshot from an Instance and restores it into a fresh one,
// plus the on-disk catalog of saved sessions. Grounded on
// original_source's backend/core/management/session_manager.py, adapted
// to Go's explicit error returns, the Driver opaque-handle contract, and
// the Profile Registry's atomic temp+rename catalog pattern.
package session

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chromefleet/internal/driver"
	"chromefleet/internal/ferrors"
	"chromefleet/internal/instance"
	"chromefleet/internal/logging"
)

const catalogFile = "sessions.json"

// Store is the Session Store. Safe for concurrent use.
type Store struct {
	baseDir string
	log     *logging.Logger

	mu      sync.Mutex
	catalog map[string]Summary
	loaded  bool
}

// New constructs a Store rooted at baseDir. No I/O happens until the
// first operation.
func New(baseDir string) *Store {
	return &Store{
		baseDir: baseDir,
		log:     logging.Named("session"),
		catalog: make(map[string]Summary),
	}
}

func (s *Store) ensureLoaded() error {
	if s.loaded || len(s.catalog) > 0 {
		return nil
	}
	path := filepath.Join(s.baseDir, catalogFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "read session catalog", err)
	}
	var catalog map[string]Summary
	if err := json.Unmarshal(data, &catalog); err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "parse session catalog", err)
	}
	s.catalog = catalog
	s.loaded = true
	return nil
}

func (s *Store) saveCatalogLocked() error {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "create sessions dir", err)
	}
	data, err := json.MarshalIndent(s.catalog, "", "  ")
	if err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "marshal session catalog", err)
	}
	final := filepath.Join(s.baseDir, catalogFile)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "write session catalog", err)
	}
	return os.Rename(tmp, final)
}

func (s *Store) sessionDir(id string) string { return filepath.Join(s.baseDir, id) }

// Save captures every tab of inst (URLs, titles, cookies, active-tab
// identity) and persists the Snapshot, per spec section 4.6's seven-step
// algorithm.
func (s *Store) Save(ctx context.Context, inst *instance.Instance, name string) (string, error) {
	id := uuid.NewString()
	d := inst.Driver

	originalHandle, err := d.CurrentWindowHandle(ctx)
	if err != nil {
		return "", ferrors.Wrap(ferrors.KindIOError, "read current window handle", err)
	}

	handles, err := d.WindowHandles(ctx)
	if err != nil {
		return "", ferrors.Wrap(ferrors.KindIOError, "enumerate window handles", err)
	}

	tabs := make([]Tab, 0, len(handles))
	var allCookies []driver.Cookie
	lastRealHandle := ""

	for _, h := range handles {
		tabURL, tabTitle := "about:blank", ""
		if err := d.SwitchToWindow(ctx, h); err != nil {
			s.log.Warn("failed to switch to tab while saving", zap.String("handle", h), zap.Error(err))
			tabs = append(tabs, Tab{Handle: h, URL: tabURL, Title: tabTitle})
			continue
		}
		if u, err := d.CurrentURL(ctx); err == nil {
			tabURL = u
		} else {
			s.log.Warn("failed to read tab url while saving", zap.String("handle", h), zap.Error(err))
		}
		if t, err := d.CurrentTitle(ctx); err == nil {
			tabTitle = t
		}
		tabs = append(tabs, Tab{Handle: h, URL: tabURL, Title: tabTitle})

		if isRealPage(tabURL) {
			lastRealHandle = h
		}
		appendTabCookies(ctx, d, tabURL, &allCookies, s.log)
	}

	activeHandle := determineActiveTab(tabs, originalHandle, lastRealHandle)

	// Restore the driver's current window so the save has no visible
	// side effects on the caller.
	restoreTo := originalHandle
	if !handleExists(handles, restoreTo) {
		restoreTo = activeHandle
	}
	if restoreTo != "" {
		if err := d.SwitchToWindow(ctx, restoreTo); err != nil {
			s.log.Warn("failed to restore original window after save", zap.Error(err))
		}
	}

	activeURL, activeTitle := "", ""
	for _, t := range tabs {
		if t.Handle == activeHandle {
			activeURL, activeTitle = t.URL, t.Title
			break
		}
	}

	snap := &Snapshot{
		ID:                 id,
		Name:               sessionName(name, id),
		CreatedAt:          time.Now(),
		Profile:            inst.ProfileName,
		ActiveTabHandle:    activeHandle,
		URL:                activeURL,
		Title:              activeTitle,
		Cookies:            allCookies,
		Tabs:               tabs,
		WindowHandlesCount: len(handles),
	}

	if err := s.persist(snap); err != nil {
		return "", err
	}
	s.log.Info("saved session", zap.String("session_id", id))
	return id, nil
}

// appendTabCookies collects cookies from the currently active tab into
// allCookies, deduplicating on (name, domain) and preserving the first
// occurrence, per the Session Snapshot invariant.
func appendTabCookies(ctx context.Context, d driver.Driver, tabURL string, allCookies *[]driver.Cookie, log *logging.Logger) {
	if !hasHTTPScheme(tabURL) {
		return
	}
	cookies, err := d.GetCookies(ctx)
	if err != nil {
		log.Warn("failed to read cookies for tab", zap.String("url", tabURL), zap.Error(err))
		return
	}
	for _, c := range cookies {
		dup := false
		for _, existing := range *allCookies {
			if existing.Name == c.Name && existing.Domain == c.Domain {
				dup = true
				break
			}
		}
		if !dup {
			*allCookies = append(*allCookies, c)
		}
	}
}

func hasHTTPScheme(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func handleExists(handles []string, h string) bool {
	for _, x := range handles {
		if x == h {
			return true
		}
	}
	return false
}

// determineActiveTab resolves the effective active tab per spec step 4:
// the original handle if it is a real page, else the last real-page
// handle seen, else the first tab.
func determineActiveTab(tabs []Tab, originalHandle, lastRealHandle string) string {
	if len(tabs) == 0 {
		return ""
	}
	for _, t := range tabs {
		if t.Handle == originalHandle {
			if isRealPage(t.URL) {
				return originalHandle
			}
			break
		}
	}
	if lastRealHandle != "" {
		return lastRealHandle
	}
	return tabs[0].Handle
}

func sessionName(name, id string) string {
	if name != "" {
		return name
	}
	if len(id) >= 8 {
		return "session_" + id[:8]
	}
	return "session_" + id
}

func (s *Store) persist(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	dir := s.sessionDir(snap.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "create session dir", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "marshal session", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "session.json"), data, 0o644); err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "write session file", err)
	}
	s.catalog[snap.ID] = Summary{
		ID:        snap.ID,
		Name:      snap.Name,
		CreatedAt: snap.CreatedAt,
		Profile:   snap.Profile,
		URL:       snap.URL,
		Title:     snap.Title,
		Exists:    true,
	}
	return s.saveCatalogLocked()
}

// Load reads a persisted Snapshot by id.
func (s *Store) Load(id string) (*Snapshot, error) {
	s.mu.Lock()
	if err := s.ensureLoaded(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	_, ok := s.catalog[id]
	s.mu.Unlock()
	if !ok {
		return nil, ferrors.New(ferrors.KindSessionNotFound, "session "+id+" not found")
	}

	data, err := os.ReadFile(filepath.Join(s.sessionDir(id), "session.json"))
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindSessionNotFound, "session file missing for "+id, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, ferrors.Wrap(ferrors.KindIOError, "parse session file", err)
	}
	return &snap, nil
}

// Apply restores a Snapshot into a freshly acquired instance, per spec
// section 4.6's restore algorithm: the first tab reuses the instance's
// existing window, every subsequent tab opens a new window, cookies are
// installed per tab at the domain root with error-interstitial
// detection, and the original active tab is re-selected at the end.
func (s *Store) Apply(ctx context.Context, inst *instance.Instance, snap *Snapshot) error {
	d := inst.Driver
	if len(snap.Tabs) == 0 {
		return nil
	}

	handleMap := make(map[string]string, len(snap.Tabs))

	first := snap.Tabs[0]
	if err := inst.Navigate(ctx, first.URL, 0); err != nil {
		s.log.Warn("failed to navigate first restored tab", zap.String("url", first.URL), zap.Error(err))
	}
	firstHandle, err := d.CurrentWindowHandle(ctx)
	if err != nil {
		return ferrors.Wrap(ferrors.KindIOError, "read first window handle during restore", err)
	}
	handleMap[first.Handle] = firstHandle

	for _, tab := range snap.Tabs[1:] {
		newHandle, err := d.OpenNewWindow(ctx)
		if err != nil {
			s.log.Warn("failed to open tab during restore", zap.String("url", tab.URL), zap.Error(err))
			continue
		}
		handleMap[tab.Handle] = newHandle
		if err := d.SwitchToWindow(ctx, newHandle); err != nil {
			continue
		}
		if err := inst.Navigate(ctx, tab.URL, 0); err != nil {
			s.log.Warn("failed to navigate restored tab", zap.String("url", tab.URL), zap.Error(err))
		}
	}

	s.restoreCookies(ctx, d, snap.Tabs, handleMap, snap.Cookies)

	if newHandle, ok := handleMap[snap.ActiveTabHandle]; ok {
		if err := d.SwitchToWindow(ctx, newHandle); err != nil {
			s.log.Warn("failed to switch to restored active tab", zap.Error(err))
		}
	} else if firstHandle != "" {
		_ = d.SwitchToWindow(ctx, firstHandle)
	}
	return nil
}

// restoreCookies installs cookies into every tab whose URL is a real
// http(s) page, skipping tabs that land on an error interstitial when
// navigated to their domain root.
func (s *Store) restoreCookies(ctx context.Context, d driver.Driver, tabs []Tab, handleMap map[string]string, cookies []driver.Cookie) {
	for _, tab := range tabs {
		if !hasHTTPScheme(tab.URL) {
			continue
		}
		parsed, err := url.Parse(tab.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			continue
		}
		newHandle, ok := handleMap[tab.Handle]
		if !ok {
			continue
		}
		if err := d.SwitchToWindow(ctx, newHandle); err != nil {
			continue
		}

		domainRoot := parsed.Scheme + "://" + parsed.Host + "/"
		if err := d.Navigate(ctx, domainRoot, 10*time.Second); err != nil {
			s.log.Warn("failed to navigate to domain root during cookie restore", zap.String("url", domainRoot), zap.Error(err))
			continue
		}

		currentURL, _ := d.CurrentURL(ctx)
		pageSource, _ := d.PageSource(ctx)
		if isErrorInterstitial(currentURL, pageSource) {
			s.log.Warn("skipping cookie restore on error interstitial", zap.String("host", parsed.Host))
		} else {
			for _, c := range cookies {
				if !cookieMatchesHost(c.Domain, parsed.Host) {
					continue
				}
				if err := d.AddCookie(ctx, c); err != nil {
					s.log.Warn("failed to restore cookie", zap.String("name", c.Name), zap.Error(err))
				}
			}
		}

		if err := d.Navigate(ctx, tab.URL, 10*time.Second); err != nil {
			s.log.Warn("failed to navigate back to tab url after cookie restore", zap.String("url", tab.URL), zap.Error(err))
		}
	}
}

// cookieMatchesHost mirrors session_manager.py's three-way domain check:
// exact match, subdomain suffix match, or the cookie domain appearing
// anywhere in the host.
func cookieMatchesHost(cookieDomain, host string) bool {
	if cookieDomain == "" {
		return false
	}
	bare := strings.TrimPrefix(cookieDomain, ".")
	return host == bare || strings.HasSuffix(host, cookieDomain) || strings.Contains(host, bare)
}

// List returns every session summary, most recently created first.
func (s *Store) List() ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(s.catalog))
	for _, summary := range s.catalog {
		_, err := os.Stat(s.sessionDir(summary.ID))
		summary.Exists = err == nil
		out = append(out, summary)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// Rename changes a session's display name in both the catalog and the
// on-disk snapshot. Returns false if id is unknown.
func (s *Store) Rename(id, newName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return false, err
	}
	summary, ok := s.catalog[id]
	if !ok {
		return false, nil
	}
	summary.Name = newName
	s.catalog[id] = summary
	if err := s.saveCatalogLocked(); err != nil {
		return false, err
	}

	snapPath := filepath.Join(s.sessionDir(id), "session.json")
	data, err := os.ReadFile(snapPath)
	if err != nil {
		return true, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return true, nil
	}
	snap.Name = newName
	if out, err := json.MarshalIndent(&snap, "", "  "); err == nil {
		_ = os.WriteFile(snapPath, out, 0o644)
	}
	return true, nil
}

// Delete removes a session's catalog entry and on-disk directory.
// Returns false if id was unknown.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return false, err
	}
	if _, ok := s.catalog[id]; !ok {
		return false, nil
	}
	if err := os.RemoveAll(s.sessionDir(id)); err != nil {
		return false, ferrors.Wrap(ferrors.KindIOError, "remove session dir", err)
	}
	delete(s.catalog, id)
	if err := s.saveCatalogLocked(); err != nil {
		return false, err
	}
	s.log.Info("deleted session", zap.String("session_id", id))
	return true, nil
}
