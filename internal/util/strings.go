package util

import (
	"fmt"
	"strings"
)

// SmallestMatch returns the shortest element of names containing substring.
// Names containing "-db-" are skipped so that a platform service never
// resolves to its database sibling. Returns "" when nothing matches.
func SmallestMatch(names []string, substring string) string {
	var best string
	for _, name := range names {
		if !strings.Contains(name, substring) || strings.Contains(name, "-db-") {
			continue
		}
		if best == "" || len(name) < len(best) {
			best = name
		}
	}
	return best
}

// SanitizePrintable strips non-printable characters from container log output,
// keeping newlines and tabs.
func SanitizePrintable(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// logSuffixMarker separates a log line from its routing suffix. Analysis
// containers append it to every line they emit.
const logSuffixMarker = "!suff!"

// SplitLogs regroups raw pod logs by the suffix trailing each line. Lines from
// multi-deployment or multi-pod captures are prefixed with their origin so the
// merged stream stays attributable.
func SplitLogs(analysisLogs map[string][]string) map[string]string {
	out := make(map[string]string)
	multiDeployment := len(analysisLogs) > 1
	for deploymentName, rawLogs := range analysisLogs {
		multiPod := len(rawLogs) > 1
		for i, raw := range rawLogs {
			for _, line := range strings.Split(raw, "\n") {
				if line == "" {
					continue
				}
				text, suffix := line, ""
				if idx := strings.LastIndex(line, logSuffixMarker); idx >= 0 {
					text, suffix = line[:idx], line[idx+len(logSuffixMarker):]
				}
				var parts []string
				if multiDeployment {
					parts = append(parts, deploymentName)
				}
				if multiPod {
					parts = append(parts, fmt.Sprintf("pod_%d", i+1))
				}
				parts = append(parts, text)
				out[suffix] += strings.Join(parts, " - ") + "\n"
			}
		}
	}
	return out
}
