package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/deplai/scan-engine/pkg/domain/scan"
)

// severityCounts tallies the final findings by severity.
func severityCounts(findings []scan.IntelligentFinding) map[string]int {
	counts := map[string]int{"critical": 0, "high": 0, "medium": 0, "low": 0, "info": 0}
	for _, f := range findings {
		if _, ok := counts[f.Severity]; ok {
			counts[f.Severity]++
		} else {
			counts["info"]++
		}
	}
	return counts
}

func riskLevel(counts map[string]int) string {
	switch {
	case counts["critical"] > 0 || counts["high"] >= 5:
		return "high"
	case counts["high"] > 0 || counts["medium"] >= 5:
		return "medium"
	default:
		return "low"
	}
}

func confidenceLevel(score float64) string {
	switch {
	case score >= 0.75:
		return "high"
	case score >= 0.45:
		return "medium"
	default:
		return "low"
	}
}

// scanCategories prefers the executed categories and falls back to the
// mapped ones for runs that never reached execution.
func scanCategories(s scan.State) []string {
	seen := map[string]bool{}
	for _, r := range s.Layer6Results {
		seen[r.Category] = true
	}
	if len(seen) == 0 {
		for c := range s.OwaspMapped {
			seen[c] = true
		}
	}
	return sortedSet(seen)
}

// primaryRiskArea is the category carrying the most final findings.
func primaryRiskArea(findings []scan.IntelligentFinding) string {
	counts := map[string]int{}
	for _, f := range findings {
		counts[f.Category]++
	}
	best := "none"
	bestCount := 0
	for _, c := range sortedKeysByCount(counts) {
		if counts[c] > bestCount {
			best = c
			bestCount = counts[c]
		}
	}
	return best
}

func sortedKeysByCount(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func recommendedAction(risk string, manualReview bool) string {
	switch {
	case risk == "high":
		return "prioritize_immediate_triage_and_remediation"
	case manualReview:
		return "perform_manual_security_review"
	case risk == "medium":
		return "schedule_targeted_hardening_and_rescan"
	default:
		return "maintain_baseline_monitoring"
	}
}

// SummarizeStrategically builds the executive summary and security posture.
// Advisory only: failures here never fail the scan.
func (e *Engine) SummarizeStrategically(_ context.Context, s scan.State) (scan.State, error) {
	counts := severityCounts(s.IntelligentFindings)
	risk := riskLevel(counts)
	confidence := weightedConfidence(s.Layer6Results)
	categories := scanCategories(s)

	confidenceMap := map[string]any{}
	lowConfidenceCategory := false
	for _, r := range s.Layer6Results {
		confidenceMap[r.Category] = r.CategoryConfidence
		if r.CategoryConfidence < 0.5 {
			lowConfidenceCategory = true
		}
	}
	manualReview := lowConfidenceCategory || counts["critical"] > 0

	if s.ExternalReport == nil {
		s.ExternalReport = map[string]any{}
	}
	s.ExternalReport["executive_summary"] = map[string]any{
		"risk_level":              risk,
		"total_findings":          len(s.IntelligentFindings),
		"critical_findings":       counts["critical"],
		"owasp_categories":        categories,
		"primary_risk_area":       primaryRiskArea(s.IntelligentFindings),
		"confidence_level":        confidenceLevel(confidence),
		"recommended_next_action": recommendedAction(risk, manualReview),
	}
	s.ExternalReport["security_posture"] = map[string]any{
		"attack_surface_vector":      categories,
		"risk_distribution":          map[string]any{"critical": counts["critical"], "high": counts["high"], "medium": counts["medium"], "low": counts["low"], "info": counts["info"]},
		"category_confidence_map":    confidenceMap,
		"systemic_weakness_detected": len(categories) >= 3 && counts["critical"]+counts["high"] > 0,
		"requires_manual_review":     manualReview,
	}
	return s, nil
}

// PrepareExports assembles the outbound artifacts. Delivery hooks exist as
// disabled stubs; nothing leaves the process.
func (e *Engine) PrepareExports(_ context.Context, s scan.State) (scan.State, error) {
	summary, _ := s.ExternalReport["executive_summary"].(map[string]any)

	exportPayload := map[string]any{
		"scan_id":           s.ScanID,
		"executive_summary": summary,
		"findings":          s.IntelligentFindings,
	}
	jsonExport, err := json.Marshal(exportPayload)
	if err != nil {
		e.log.Warn().Str("scan_id", s.ScanID).Err(err).Msg("export serialization failed")
		return s, nil
	}

	if s.ExternalExports == nil {
		s.ExternalExports = map[string]any{}
	}
	s.ExternalExports["json_export"] = string(jsonExport)
	s.ExternalExports["markdown_report"] = markdownReport(s, summary)
	s.ExternalExports["compact_summary_blob"] = fmt.Sprintf("%s|%s|%d findings|%s",
		s.ScanID, stringOr(summary, "risk_level", "low"),
		len(s.IntelligentFindings), stringOr(summary, "primary_risk_area", "none"))
	s.ExternalExports["hook_stubs"] = map[string]any{
		"slack":        map[string]any{"status": "available", "enabled": false},
		"jira":         map[string]any{"status": "available", "enabled": false},
		"github_alert": map[string]any{"status": "available", "enabled": false},
		"email":        map[string]any{"status": "available", "enabled": false},
	}
	return s, nil
}

func markdownReport(s scan.State, summary map[string]any) string {
	var b strings.Builder
	b.WriteString("# deplAI Security Summary\n\n")
	fmt.Fprintf(&b, "- Scan: %s\n", s.ScanID)
	fmt.Fprintf(&b, "- Repository: %s\n", s.RepoURL)
	fmt.Fprintf(&b, "- Risk level: %s\n", stringOr(summary, "risk_level", "low"))
	fmt.Fprintf(&b, "- Findings: %d\n", len(s.IntelligentFindings))
	fmt.Fprintf(&b, "- Primary risk area: %s\n\n", stringOr(summary, "primary_risk_area", "none"))
	if len(s.IntelligentFindings) > 0 {
		b.WriteString("## Findings\n\n")
		for _, f := range s.IntelligentFindings {
			fmt.Fprintf(&b, "- **%s** (%s, %s)", f.Title, f.Severity, f.Category)
			if f.FilePath != "" {
				fmt.Fprintf(&b, " in `%s`", f.FilePath)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
