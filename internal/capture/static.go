package capture

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/faultline/internal/signal"
)

// ScanScripts runs the detector list over the concatenated script sources
// and emits one security signal per matching detector, carrying the match
// count. It returns the number of signals emitted.
func (a *Agent) ScanScripts(sources ...string) (emitted int) {
	defer a.guard("scan-scripts")

	findings := a.detectors.Scan(strings.Join(sources, "\n"))
	loc := a.pageLocation()
	for _, f := range findings {
		a.emit(signal.Signal{
			Kind:     signal.KindSecurity,
			Severity: f.Rule.Severity,
			Message:  fmt.Sprintf("%s (%d %s)", f.Rule.Description, f.Count, plural(f.Count, "occurrence")),
			Location: loc,
			SecurityDetails: &signal.SecurityDetails{
				PatternType: f.Rule.ID,
				MatchCount:  f.Count,
				Remediation: f.Rule.Remediation,
			},
		})
		emitted++
	}
	return emitted
}

// PageLoaded records a completed load of pageURL and schedules the
// header/cookie check for it after the configured delay. A navigation or a
// later load before the delay elapses supersedes the pending check.
func (a *Agent) PageLoaded(pageURL string) {
	defer a.guard("page-loaded")

	a.mu.Lock()
	a.loadGen++
	gen := a.loadGen
	a.pageURL = pageURL
	if a.closed {
		a.mu.Unlock()
		return
	}
	// Add under mu so it cannot race Close's Wait.
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		timer := time.NewTimer(a.headerDelay)
		defer timer.Stop()
		select {
		case <-a.ctx.Done():
			return
		case <-timer.C:
		}
		if !a.currentLoad(gen) {
			return
		}
		a.checkHeaders(gen, pageURL)
	}()
}

func (a *Agent) currentLoad(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadGen == gen
}

func (a *Agent) pageLocation() *signal.Location {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pageURL == "" {
		return nil
	}
	return &signal.Location{URL: a.pageURL}
}

type headerFinding struct {
	pattern     string
	severity    signal.Severity
	message     string
	count       int
	remediation string
}

// checkHeaders fetches pageURL and reports missing security headers and
// weak cookies. Any failure skips the check.
func (a *Agent) checkHeaders(gen uint64, pageURL string) {
	defer a.guard("header-check")

	u, err := url.Parse(pageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		a.logger.Debug("header check skipped", zap.String("url", pageURL))
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, headerCheckTimeout)
	defer cancel()

	resp, err := a.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(pageURL)
	if err != nil {
		a.logger.Debug("header check skipped", zap.String("url", pageURL), zap.Error(err))
		return
	}
	if body := resp.RawBody(); body != nil {
		defer body.Close()
	}
	if resp.StatusCode() >= 400 {
		a.logger.Debug("header check skipped",
			zap.String("url", pageURL), zap.Int("status", resp.StatusCode()))
		return
	}
	if !a.currentLoad(gen) {
		return
	}

	for _, f := range evaluateHeaders(u, resp.Header(), resp.Cookies()) {
		a.emit(signal.Signal{
			Kind:     signal.KindSecurity,
			Severity: f.severity,
			Message:  f.message,
			Location: &signal.Location{URL: pageURL},
			SecurityDetails: &signal.SecurityDetails{
				PatternType: f.pattern,
				MatchCount:  f.count,
				Remediation: f.remediation,
			},
		})
	}
}

func evaluateHeaders(u *url.URL, h http.Header, cookies []*http.Cookie) []headerFinding {
	var out []headerFinding
	csp := h.Get("Content-Security-Policy")

	if csp == "" {
		out = append(out, headerFinding{
			pattern: "missing-csp", severity: signal.SeverityWarning, count: 1,
			message:     "Response has no Content-Security-Policy header",
			remediation: "Send a Content-Security-Policy restricting script-src to trusted origins.",
		})
	}
	if h.Get("X-Frame-Options") == "" && !strings.Contains(csp, "frame-ancestors") {
		out = append(out, headerFinding{
			pattern: "missing-frame-options", severity: signal.SeverityWarning, count: 1,
			message:     "Page can be framed: no X-Frame-Options or frame-ancestors directive",
			remediation: "Send X-Frame-Options: DENY or a CSP frame-ancestors directive.",
		})
	}
	if !strings.EqualFold(h.Get("X-Content-Type-Options"), "nosniff") {
		out = append(out, headerFinding{
			pattern: "missing-nosniff", severity: signal.SeverityInfo, count: 1,
			message:     "X-Content-Type-Options: nosniff is not set",
			remediation: "Send X-Content-Type-Options: nosniff.",
		})
	}
	if u.Scheme == "https" && h.Get("Strict-Transport-Security") == "" {
		out = append(out, headerFinding{
			pattern: "missing-hsts", severity: signal.SeverityWarning, count: 1,
			message:     "HTTPS response has no Strict-Transport-Security header",
			remediation: "Send Strict-Transport-Security with a max-age of at least one year.",
		})
	}

	weak := 0
	var names []string
	for _, c := range cookies {
		if !c.HttpOnly || (u.Scheme == "https" && !c.Secure) || c.SameSite == 0 || c.SameSite == http.SameSiteDefaultMode {
			weak++
			names = append(names, c.Name)
		}
	}
	if weak > 0 {
		out = append(out, headerFinding{
			pattern: "insecure-cookie", severity: signal.SeverityWarning, count: weak,
			message: fmt.Sprintf("%d %s missing HttpOnly, Secure or SameSite: %s",
				weak, plural(weak, "cookie"), strings.Join(names, ", ")),
			remediation: "Set HttpOnly, Secure and SameSite on every session cookie.",
		})
	}
	return out
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
