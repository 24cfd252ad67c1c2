package filter

import (
	"context"
	"encoding/json"
	"net/netip"
	"strings"

	"inlet/internal/constants"
	"inlet/internal/envelope"
	"inlet/internal/logger"
	"inlet/pkg/cel"
	"inlet/pkg/metrics"
)

// RequestContext carries the transport-level facts rules may inspect.
type RequestContext struct {
	ClientIP  string
	UserAgent string
	Headers   map[string]string
}

// eventFields is the subset of an event payload the built-in filter
// families look at. Non-event items leave it zero.
type eventFields struct {
	Message     string `json:"message"`
	Release     string `json:"release"`
	Environment string `json:"environment"`
	Logentry    struct {
		Formatted string `json:"formatted"`
	} `json:"logentry"`
}

func (f *eventFields) message() string {
	if f.Message != "" {
		return f.Message
	}
	return f.Logentry.Formatted
}

// Engine evaluates a project's filter rule set against one item. Rule
// families run in fixed priority order and the first match wins.
type Engine struct {
	evaluator *cel.Evaluator
	onError   string
	logger    logger.Logger
}

func NewEngine(fallbackOnError string, log logger.Logger) (*Engine, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		evaluator: evaluator,
		onError:   fallbackOnError,
		logger:    log,
	}, nil
}

// Evaluate returns the matched drop reason, or ok=false when the item
// should be kept. It performs no I/O; the context is only consulted for
// cancellation inside CEL evaluation.
func (e *Engine) Evaluate(ctx context.Context, cfg *Config, item *envelope.Item, reqCtx RequestContext) (DropReason, bool) {
	if cfg == nil {
		return "", false
	}

	var fields eventFields
	if item.Category() == envelope.CategoryError {
		// Payload may be malformed or an unknown schema; the filter
		// then simply sees empty fields.
		_ = json.Unmarshal(item.Payload, &fields)
	}

	if matchIP(cfg.ClientIPs.BlockedIPs, reqCtx.ClientIP) {
		return ReasonIPAddress, true
	}

	if cfg.WebCrawlers.Enabled && matchWebCrawler(reqCtx.UserAgent) {
		return ReasonWebCrawlers, true
	}

	if cfg.LegacyBrowsers.Enabled && matchLegacyBrowser(reqCtx.UserAgent) {
		return ReasonLegacyBrowsers, true
	}

	if cfg.BrowserExtensions.Enabled && matchBrowserExtension(fields.message()) {
		return ReasonBrowserExtensions, true
	}

	if matchPatterns(cfg.ErrorMessages.Patterns, fields.message()) {
		return ReasonErrorMessage, true
	}

	if matchPatterns(cfg.Releases.Patterns, fields.Release) {
		return ReasonReleaseVersion, true
	}

	if e.matchCustomRules(ctx, cfg.CustomRules, item, reqCtx, &fields) {
		return ReasonCustomRule, true
	}

	return "", false
}

func (e *Engine) matchCustomRules(ctx context.Context, rules []CustomRule, item *envelope.Item, reqCtx RequestContext, fields *eventFields) bool {
	if len(rules) == 0 {
		return false
	}

	headers := reqCtx.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	vars := map[string]interface{}{
		"category":    string(item.Category()),
		"message":     fields.message(),
		"release":     fields.Release,
		"environment": fields.Environment,
		"user_agent":  reqCtx.UserAgent,
		"client_ip":   reqCtx.ClientIP,
		"headers":     headers,
	}

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		matched, err := e.evaluator.EvaluateFilter(ctx, rule.Expression, vars)
		if err != nil {
			e.logger.ErrorwCtx(ctx, "Custom rule evaluation error",
				"rule_name", rule.Name,
				"error", err,
			)
			if e.onError == constants.FallbackDeny {
				metrics.FallbackUsageTotal.WithLabelValues("filter", "deny_on_error").Inc()
				return true
			}
			continue
		}

		if matched {
			return true
		}
	}

	return false
}

func matchIP(blocked []string, clientIP string) bool {
	if len(blocked) == 0 || clientIP == "" {
		return false
	}

	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}

	for _, entry := range blocked {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if blockedAddr, err := netip.ParseAddr(entry); err == nil && blockedAddr == addr {
			return true
		}
	}

	return false
}

var webCrawlerSignatures = []string{
	"googlebot",
	"bingbot",
	"slurp",
	"baiduspider",
	"yandexbot",
	"duckduckbot",
	"facebookexternalhit",
	"semrushbot",
	"ahrefsbot",
	"crawler",
	"spider",
	"bot/",
}

func matchWebCrawler(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return false
	}
	for _, sig := range webCrawlerSignatures {
		if strings.Contains(ua, sig) {
			return true
		}
	}
	return false
}

var legacyBrowserSignatures = []string{
	"MSIE 6",
	"MSIE 7",
	"MSIE 8",
	"MSIE 9",
	"Android 2.",
	"Android 3.",
	"Opera/12",
}

func matchLegacyBrowser(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	for _, sig := range legacyBrowserSignatures {
		if strings.Contains(userAgent, sig) {
			return true
		}
	}
	return false
}

var browserExtensionSignatures = []string{
	"top.GLOBALS",
	"chrome-extension://",
	"moz-extension://",
	"safari-extension://",
	"__gCrWeb",
	"conduitPage",
}

func matchBrowserExtension(message string) bool {
	if message == "" {
		return false
	}
	for _, sig := range browserExtensionSignatures {
		if strings.Contains(message, sig) {
			return true
		}
	}
	return false
}

func matchPatterns(patterns []string, value string) bool {
	if len(patterns) == 0 || value == "" {
		return false
	}
	for _, pattern := range patterns {
		if globMatch(pattern, value) {
			return true
		}
	}
	return false
}

// globMatch supports '*' wildcards only; anything else is literal.
func globMatch(pattern, value string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")

	if parts[0] != "" {
		if !strings.HasPrefix(value, parts[0]) {
			return false
		}
		value = value[len(parts[0]):]
	}

	last := parts[len(parts)-1]
	if last != "" {
		if !strings.HasSuffix(value, last) {
			return false
		}
		value = value[:len(value)-len(last)]
	}

	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(value, part)
		if idx < 0 {
			return false
		}
		value = value[idx+len(part):]
	}

	return true
}
