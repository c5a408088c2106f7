package launch

import "chromefleet/internal/config"

// antiDetectStartupScriptPlaceholder is the hook point for the
// anti-detection JavaScript payload. The payload's actual evasion logic
// is explicitly out of scope (spec section 1); only the installation
// mechanism (driver.AddStartupScript) is wired.
const antiDetectStartupScriptPlaceholder = "/* anti-detect startup script placeholder */"

// commonArgs is the canonical flag set applied to every launch,
// grounded on pkg/browser.BrowserPool.createInstance: disable sync,
// metrics pings and background throttling, and disable the
// first-run/default-browser dialogs that would otherwise block headless
// automation. The list holds no flag that suppresses the "controlled by
// automated test software" banner and none for background networking.
func commonArgs() []string {
	return []string{
		"disable-gpu",
		"no-sandbox",
		"disable-dev-shm-usage",
		"disable-setuid-sandbox",
		"no-first-run",
		"no-default-browser-check",
		"disable-hang-monitor",
		"disable-prompt-on-repost",
		"disable-sync",
		"disable-background-timer-throttling",
		"disable-backgrounding-occluded-windows",
		"disable-renderer-backgrounding",
		"disable-features=TranslateUI",
		"metrics-recording-only",
		"no-pings",
	}
}

// antiDetectArgs adds a further disjoint flag set for anti-detection
// mode: disable the Blink automation signal and spoof the "controlled"
// switch, grounded on pkg/browser/pool_visitor.go's stealth handling.
func antiDetectArgs() []string {
	return []string{
		"disable-blink-features=AutomationControlled",
		"exclude-switches=enable-automation",
		"useAutomationExtension=false",
	}
}

// securityArgs resolves a security preset into its flag diff. Each
// preset's effect is statically tabulated per spec section 4.2 rule 5 —
// no runtime introspection of the level.
func securityArgs(level config.SecurityLevel) []string {
	switch level {
	case config.SecurityStrict:
		return []string{"enable-features=SafeBrowsingEnhancedProtection"}
	case config.SecurityStandard:
		return nil
	case config.SecurityRelaxed:
		return []string{"ignore-certificate-errors"}
	case config.SecurityPermissive:
		return []string{"ignore-certificate-errors", "allow-running-insecure-content", "disable-web-security"}
	default:
		return nil
	}
}

// buildPreferences resolves a security preset plus an optional download
// directory into the browser preference diff, grounded on
// options.py:_build_preferences (download/security/privacy prefs).
func buildPreferences(level config.SecurityLevel, downloadDir string) map[string]any {
	prefs := map[string]any{
		"profile.default_content_setting_values.notifications": 2, // block
		"credentials_enable_service":                           false,
		"profile.password_manager_enabled":                     false,
	}
	if downloadDir != "" {
		prefs["download.default_directory"] = downloadDir
		prefs["download.prompt_for_download"] = false
	}
	switch level {
	case config.SecurityRelaxed, config.SecurityPermissive:
		prefs["profile.default_content_setting_values.automatic_downloads"] = 1
	case config.SecurityStrict:
		prefs["safebrowsing.enabled"] = true
		prefs["safebrowsing.enhanced"] = true
	}
	return prefs
}
