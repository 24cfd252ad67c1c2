package filter

// Config is the per-project filter rule set, as served by the upstream
// config endpoint.
type Config struct {
	ClientIPs         IPFilter      `json:"clientIps"`
	ErrorMessages     PatternFilter `json:"errorMessages"`
	Releases          PatternFilter `json:"releases"`
	BrowserExtensions ToggleFilter  `json:"browserExtensions"`
	LegacyBrowsers    ToggleFilter  `json:"legacyBrowsers"`
	WebCrawlers       ToggleFilter  `json:"webCrawlers"`
	CustomRules       []CustomRule  `json:"customRules,omitempty"`
}

// IPFilter drops events sent from listed addresses. Entries are exact
// IPs or CIDR blocks.
type IPFilter struct {
	BlockedIPs []string `json:"blockedIps,omitempty"`
}

// PatternFilter drops events whose target field matches any glob
// pattern ('*' wildcard).
type PatternFilter struct {
	Patterns []string `json:"patterns,omitempty"`
}

type ToggleFilter struct {
	Enabled bool `json:"isEnabled"`
}

// CustomRule is an operator-authored CEL expression; a rule evaluating
// to true drops the item.
type CustomRule struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Enabled    bool   `json:"isEnabled"`
}

// DropReason names the rule family that suppressed an item. Reported in
// outcomes, never to the sending client.
type DropReason string

const (
	ReasonIPAddress         DropReason = "ip-address"
	ReasonWebCrawlers       DropReason = "web-crawlers"
	ReasonLegacyBrowsers    DropReason = "legacy-browsers"
	ReasonBrowserExtensions DropReason = "browser-extensions"
	ReasonErrorMessage      DropReason = "error-message"
	ReasonReleaseVersion    DropReason = "release-version"
	ReasonCustomRule        DropReason = "custom-rule"
)
