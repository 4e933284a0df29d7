package probe

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/apptrail-sh/canary/internal/model"
)

type ErrorRateOptions struct {
	Threshold      int // Percent; the probe fails at or above it
	TailLines      int64
	ErrorPattern   *regexp.Regexp
	RequestPattern *regexp.Regexp
}

// ErrorRate samples the recent logs of every running instance matching selector and passes
// when errors/requests, as an integer percentage, stays below the threshold. Without any
// request lines there is no evidence either way and the probe passes, unless no instance
// log could be read at all.
func ErrorRate(ctx context.Context, source LogSource, namespace, selector string, opts ErrorRateOptions) model.HealthVerdict {
	if opts.ErrorPattern == nil || opts.RequestPattern == nil {
		return model.Failed(NameErrorRate, "error and request patterns are required")
	}

	instances, err := source.ListInstances(ctx, namespace, selector)
	if err != nil {
		return model.Failed(NameErrorRate, "cannot list instances matching %q: %v", selector, err)
	}

	var errorCount, requestCount int
	var skipped []string
	for _, instance := range instances {
		lines, err := source.TailRecentLogs(ctx, instance, opts.TailLines)
		if err != nil {
			skipped = append(skipped, instance.Name)
			continue
		}
		for _, line := range lines {
			if opts.ErrorPattern.MatchString(line) {
				errorCount++
			}
			if opts.RequestPattern.MatchString(line) {
				requestCount++
			}
		}
	}

	if len(instances) > 0 && len(skipped) == len(instances) {
		return model.Failed(NameErrorRate, "logs of all %d instances are unreadable: %s",
			len(instances), strings.Join(skipped, ", "))
	}

	suffix := ""
	if len(skipped) > 0 {
		suffix = fmt.Sprintf(" (unreadable logs skipped: %s)", strings.Join(skipped, ", "))
	}

	if requestCount == 0 {
		return model.Passed(NameErrorRate, "warning: no requests in the last %d log lines of %d instances, error rate not computed%s",
			opts.TailLines, len(instances), suffix)
	}

	rate := 100 * errorCount / requestCount
	if rate >= opts.Threshold {
		return model.Failed(NameErrorRate, "error rate %d%% (%d errors / %d requests) reaches threshold %d%%%s",
			rate, errorCount, requestCount, opts.Threshold, suffix)
	}
	return model.Passed(NameErrorRate, "error rate %d%% (%d errors / %d requests) below threshold %d%%%s",
		rate, errorCount, requestCount, opts.Threshold, suffix)
}
