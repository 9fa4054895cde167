package util

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestSmallestMatchPrefersShortestName(t *testing.T) {
	g := NewWithT(t)
	names := []string{"flame-message-broker-service", "message-broker", "message-broker-extra"}
	g.Expect(SmallestMatch(names, "message-broker")).To(Equal("message-broker"))
}

func TestSmallestMatchSkipsDatabaseSiblings(t *testing.T) {
	g := NewWithT(t)
	names := []string{"message-broker-db-service", "flame-message-broker"}
	g.Expect(SmallestMatch(names, "message-broker")).To(Equal("flame-message-broker"))
}

func TestSmallestMatchReturnsEmptyWhenNothingMatches(t *testing.T) {
	g := NewWithT(t)
	g.Expect(SmallestMatch([]string{"kong-proxy"}, "result-service")).To(BeEmpty())
}

func TestSanitizePrintableKeepsNewlinesAndTabs(t *testing.T) {
	g := NewWithT(t)
	g.Expect(SanitizePrintable("a\x1b[31mb\ncd\te\x00")).To(Equal("a[31mb\ncd\te"))
}

func TestSplitLogsGroupsBySuffix(t *testing.T) {
	g := NewWithT(t)
	logs := map[string][]string{
		"analysis-a1-1": {"line one!suff!info\nline two!suff!error\n"},
	}
	got := SplitLogs(logs)
	g.Expect(got).To(HaveKeyWithValue("info", "line one\n"))
	g.Expect(got).To(HaveKeyWithValue("error", "line two\n"))
}

func TestSplitLogsPrefixesMultiPodCaptures(t *testing.T) {
	g := NewWithT(t)
	logs := map[string][]string{
		"analysis-a1-1": {"first!suff!info", "second!suff!info"},
		"analysis-a1-2": {"third!suff!info"},
	}
	got := SplitLogs(logs)
	g.Expect(got["info"]).To(ContainSubstring("analysis-a1-1 - pod_1 - first\n"))
	g.Expect(got["info"]).To(ContainSubstring("analysis-a1-1 - pod_2 - second\n"))
	g.Expect(got["info"]).To(ContainSubstring("analysis-a1-2 - third\n"))
}

func TestSplitLogsKeepsUnsuffixedLinesUnderEmptyKey(t *testing.T) {
	g := NewWithT(t)
	got := SplitLogs(map[string][]string{"d": {"plain line"}})
	g.Expect(got).To(HaveKeyWithValue("", "plain line\n"))
}
