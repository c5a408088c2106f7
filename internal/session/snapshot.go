package session

import (
	"strings"
	"time"

	"chromefleet/internal/driver"
)

// Tab is one captured window in a Snapshot, in source enumeration order.
type Tab struct {
	Handle string `json:"handle"`
	URL    string `json:"url"`
	Title  string `json:"title"`
}

// Snapshot is the persisted shape of a saved session, matching the wire
// format in spec section 3 exactly.
type Snapshot struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	CreatedAt       time.Time       `json:"created_at"`
	Profile         string          `json:"profile,omitempty"`
	ActiveTabHandle string          `json:"active_tab_handle"`
	URL             string          `json:"url"`
	Title           string          `json:"title"`
	Cookies         []driver.Cookie `json:"cookies"`
	Tabs            []Tab           `json:"tabs"`
	WindowHandlesCount int          `json:"window_handles_count"`
}

// Summary is the catalog-listing shape: a Snapshot minus its bulk
// cookie/tab arrays.
type Summary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Profile   string    `json:"profile,omitempty"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Exists    bool      `json:"exists"`
}

// isRealPage reports whether url is a real, navigable page rather than an
// internal placeholder (new-tab page, about:blank, a bare data URL).
func isRealPage(url string) bool {
	if url == "" || url == "data:," {
		return false
	}
	return !strings.Contains(url, "chrome://") && !strings.Contains(url, "about:blank")
}

// isErrorInterstitial detects a certificate-warning or other browser error
// page so restore never plants cookies on it.
func isErrorInterstitial(currentURL, pageSource string) bool {
	if strings.HasPrefix(currentURL, "data:text/html,chromewebdata") || strings.HasPrefix(currentURL, "chrome-error:") {
		return true
	}
	lower := strings.ToLower(pageSource)
	return strings.Contains(lower, "your connection is not private") || strings.Contains(lower, "net::err_cert")
}
