package engine

import (
	"context"
	"crypto/md5"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/deplai/scan-engine/pkg/domain/scan"
	"github.com/deplai/scan-engine/pkg/graph"
)

// Dedup stage markers; the stage field walks this exact progression.
const (
	DedupArtifactsCollected = "artifacts_collected"
	DedupFormatsDetected    = "formats_detected"
	DedupFormatsParsed      = "formats_parsed"
	DedupSchemaMapped       = "schema_mapped"
	DedupOwaspTagged        = "owasp_tagged"
	DedupSignatureDeduped   = "signature_deduped"
	DedupSemanticDeduped    = "semantic_deduped"
	DedupContextDeduped     = "context_deduped"
	DedupClustersMerged     = "clusters_merged"
	DedupCompleted          = "dedup_completed"
)

const semanticJaccardThreshold = 0.7

// rootCauseGroups is the fixed lexicon for context grouping; first match
// in this order wins.
var rootCauseOrder = []string{"secret_management", "injection", "access_control"}

var rootCauseGroups = map[string][]string{
	"secret_management": {"hardcoded", "secret", "key", "entropy", "static"},
	"injection":         {"injection", "sql", "query", "taint", "unsafe"},
	"access_control":    {"permission", "authorization", "access", "policy"},
}

const rootCauseGeneral = "general"

// CollectArtifacts labels every merged finding with its origin layer.
func (e *Engine) CollectArtifacts(_ context.Context, s scan.State) (scan.State, error) {
	catalog := []scan.Artifact{}
	for _, f := range s.NormalizedFindings {
		catalog = append(catalog, scan.Artifact{Source: "layer4_normalized", Payload: f.ToMap()})
	}
	for _, result := range s.Layer6Results {
		for _, f := range result.AggregatedFindings {
			catalog = append(catalog, scan.Artifact{Source: "layer6_aggregated", Payload: f.ToMap()})
		}
	}
	s.ArtifactCatalog = catalog
	s.DedupPhase = scan.PhaseRunning
	s.DedupStage = DedupArtifactsCollected
	return s, nil
}

// DetectFormats tags artifacts by payload shape.
func (e *Engine) DetectFormats(_ context.Context, s scan.State) (scan.State, error) {
	for i, a := range s.ArtifactCatalog {
		if a.Payload != nil {
			s.ArtifactCatalog[i].Format = "internal_structured"
		} else {
			s.ArtifactCatalog[i].Format = "unknown"
		}
	}
	s.DedupStage = DedupFormatsDetected
	return s, nil
}

// ParseKnownFormats passes through structured artifacts only.
func (e *Engine) ParseKnownFormats(_ context.Context, s scan.State) (scan.State, error) {
	kept := []scan.Artifact{}
	for _, a := range s.ArtifactCatalog {
		if a.Format == "internal_structured" {
			kept = append(kept, a)
		}
	}
	s.ArtifactCatalog = kept
	s.DedupStage = DedupFormatsParsed
	return s, nil
}

// MapSchema produces the unified record for every artifact.
func (e *Engine) MapSchema(_ context.Context, s scan.State) (scan.State, error) {
	unified := make([]scan.UnifiedFinding, 0, len(s.ArtifactCatalog))
	for i, a := range s.ArtifactCatalog {
		p := a.Payload

		title := stringOr(p, "title", stringOr(p, "message", stringOr(p, "type", "Untitled finding")))
		description := stringOr(p, "description",
			stringOr(p, "reasoning", stringOr(p, "message", title)))
		category := stringOr(p, "category", "")
		if category == "" {
			if hint := stringOr(p, "category_hint", ""); hint != "" && hint != "general" {
				category = CategoryForHint(hint)
			} else {
				category = DefaultCategory
			}
		}
		filePath := stringOr(p, "file_path", stringOr(p, "file", ""))

		var lineNumber *int
		if n := intOr(p, "line_number", intOr(p, "line", 0)); n > 0 {
			lineNumber = &n
		}

		findingID := stringOr(p, "finding_id", "")
		if findingID == "" {
			line := 0
			if lineNumber != nil {
				line = *lineNumber
			}
			sum := fmt.Sprintf("%x", md5.Sum([]byte(fmt.Sprintf("%s|%s|%d|%d", title, filePath, line, i))))
			findingID = fmt.Sprintf("%s-uf-%s", s.ScanID, sum[:12])
		}

		confidence := 0.5
		if v, ok := p["confidence"].(float64); ok {
			confidence = v
		}

		unified = append(unified, scan.UnifiedFinding{
			FindingID:   findingID,
			Title:       title,
			Description: description,
			Category:    category,
			Severity:    normalizeSeverity(stringOr(p, "severity", "")),
			Evidence:    stringOr(p, "evidence", "No evidence provided"),
			FilePath:    filePath,
			LineNumber:  lineNumber,
			ToolSources: toolSourcesOf(p),
			Confidence:  round2(confidence),
			Reasoning:   stringOr(p, "reasoning", ""),
		})
	}
	s.UnifiedFindings = unified
	s.DedupStage = DedupSchemaMapped
	return s, nil
}

func normalizeSeverity(severity string) string {
	switch strings.ToLower(severity) {
	case "critical", "high", "medium", "low", "info":
		return strings.ToLower(severity)
	case "informational":
		return "info"
	default:
		return "medium"
	}
}

func toolSourcesOf(p map[string]any) []string {
	if raw, ok := p["tool_sources"].([]any); ok {
		out := []string{}
		for _, v := range raw {
			if str, ok := v.(string); ok {
				out = append(out, str)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	for _, key := range []string{"tool_provenance", "scanner", "source"} {
		if v := stringOr(p, key, ""); v != "" {
			return []string{v}
		}
	}
	return []string{"unknown"}
}

var categoryShape = regexp.MustCompile(`^A\d{2}:2021-`)

// TagOwasp normalizes categories onto the Axx:2021 taxonomy and derives
// the short id. Anything a tool emitted outside the taxonomy (CWE labels,
// free text) lands in the default category rather than leaking through.
func (e *Engine) TagOwasp(_ context.Context, s scan.State) (scan.State, error) {
	for i, u := range s.UnifiedFindings {
		if !categoryShape.MatchString(u.Category) {
			u.Category = DefaultCategory
		}
		u.OwaspID = OwaspID(u.Category)
		s.UnifiedFindings[i] = u
	}
	s.DedupStage = DedupOwaspTagged
	return s, nil
}

// DedupBySignature clusters exact duplicates.
func (e *Engine) DedupBySignature(_ context.Context, s scan.State) (scan.State, error) {
	type sig struct {
		title, file string
		line        int
	}
	index := map[sig]int{}
	clusters := []scan.Cluster{}
	for _, u := range s.UnifiedFindings {
		line := 0
		if u.LineNumber != nil {
			line = *u.LineNumber
		}
		key := sig{strings.ToLower(u.Title), strings.ToLower(u.FilePath), line}
		if at, ok := index[key]; ok {
			clusters[at].Findings = append(clusters[at].Findings, u)
			continue
		}
		index[key] = len(clusters)
		clusters = append(clusters, scan.Cluster{
			ClusterID: fmt.Sprintf("sig-%d", len(clusters)+1),
			Findings:  []scan.UnifiedFinding{u},
		})
	}
	s.DedupClusters = clusters
	s.DedupStage = DedupSignatureDeduped
	return s, nil
}

var tokenSplitter = regexp.MustCompile(`[^a-z0-9]+`)

func tokenSet(text string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range tokenSplitter.Split(strings.ToLower(text), -1) {
		if tok != "" {
			out[tok] = true
		}
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// DedupBySemantics greedily folds clusters whose representative
// descriptions overlap beyond the Jaccard threshold.
func (e *Engine) DedupBySemantics(_ context.Context, s scan.State) (scan.State, error) {
	merged := []scan.Cluster{}
	reps := []map[string]bool{}
	for _, cluster := range s.DedupClusters {
		tokens := tokenSet(cluster.Findings[0].Description)
		matched := -1
		for i, rep := range reps {
			if jaccard(tokens, rep) >= semanticJaccardThreshold {
				matched = i
				break
			}
		}
		if matched >= 0 {
			merged[matched].Findings = append(merged[matched].Findings, cluster.Findings...)
			continue
		}
		merged = append(merged, cluster)
		reps = append(reps, tokens)
	}
	s.DedupClusters = merged
	s.DedupStage = DedupSemanticDeduped
	return s, nil
}

func rootCauseOf(cluster scan.Cluster) string {
	var text strings.Builder
	for _, f := range cluster.Findings {
		text.WriteString(f.Title)
		text.WriteString(" ")
		text.WriteString(f.Description)
		text.WriteString(" ")
		text.WriteString(f.Reasoning)
		text.WriteString(" ")
	}
	tokens := tokenSet(text.String())
	for _, cause := range rootCauseOrder {
		for _, marker := range rootCauseGroups[cause] {
			if tokens[marker] {
				return cause
			}
		}
	}
	return rootCauseGeneral
}

// DedupByContext relabels clusters with their root cause.
func (e *Engine) DedupByContext(_ context.Context, s scan.State) (scan.State, error) {
	counters := map[string]int{}
	for i, cluster := range s.DedupClusters {
		cause := rootCauseOf(cluster)
		counters[cause]++
		cluster.RootCause = cause
		cluster.ClusterID = fmt.Sprintf("ctx-%s-%d", cause, counters[cause])
		s.DedupClusters[i] = cluster
	}
	s.DedupStage = DedupContextDeduped
	return s, nil
}

// MergeClusters collapses each cluster to one canonical record.
func (e *Engine) MergeClusters(_ context.Context, s scan.State) (scan.State, error) {
	merged := make([]scan.MergedCluster, 0, len(s.DedupClusters))
	for _, cluster := range s.DedupClusters {
		evidence := []string{}
		sources := map[string]bool{}
		reasons := map[string]bool{}
		confidenceSum := 0.0
		for _, f := range cluster.Findings {
			evidence = append(evidence, f.Evidence)
			for _, src := range f.ToolSources {
				sources[src] = true
			}
			if f.Reasoning != "" {
				reasons[f.Reasoning] = true
			}
			confidenceSum += f.Confidence
		}

		avgConfidence := 0.5
		if len(cluster.Findings) > 0 {
			avgConfidence = round2(confidenceSum / float64(len(cluster.Findings)))
		}
		merged = append(merged, scan.MergedCluster{
			ClusterID:         cluster.ClusterID,
			RootCause:         cluster.RootCause,
			Representative:    cluster.Findings[0],
			Evidence:          evidence,
			ToolSources:       sortedSet(sources),
			AverageConfidence: avgConfidence,
			Reasoning:         strings.Join(sortedSet(reasons), "\n"),
			FindingCount:      len(cluster.Findings),
		})
	}
	s.MergedClusters = merged
	s.DedupStage = DedupClustersMerged
	return s, nil
}

var severityRank = map[string]int{"critical": 5, "high": 4, "medium": 3, "low": 2, "info": 1}

var rankSeverity = map[int]string{5: "critical", 4: "high", 3: "medium", 2: "low", 1: "info"}

// corroboratedCategories earn a severity bump: these are the categories
// where multi-tool agreement is a strong exploitability signal.
var corroboratedCategories = map[string]bool{"A01": true, "A02": true, "A03": true, "A05": true}

// AdjustSeverity writes the final intelligent findings, bumping severity
// for corroboration, confidence, and category weight.
func (e *Engine) AdjustSeverity(_ context.Context, s scan.State) (scan.State, error) {
	out := make([]scan.IntelligentFinding, 0, len(s.MergedClusters))
	for _, m := range s.MergedClusters {
		rep := m.Representative
		rank, ok := severityRank[rep.Severity]
		if !ok {
			rank = severityRank["medium"]
		}
		if len(m.ToolSources) >= 2 {
			rank++
		}
		if m.AverageConfidence >= 0.75 {
			rank++
		}
		if corroboratedCategories[rep.OwaspID] {
			rank++
		}
		if rank > 5 {
			rank = 5
		}
		if rank < 1 {
			rank = 1
		}

		out = append(out, scan.IntelligentFinding{
			FindingID:   rep.FindingID,
			Title:       rep.Title,
			Description: rep.Description,
			Category:    rep.Category,
			OwaspID:     rep.OwaspID,
			Severity:    rankSeverity[rank],
			Evidence:    m.Evidence,
			FilePath:    rep.FilePath,
			LineNumber:  rep.LineNumber,
			ToolSources: m.ToolSources,
			Confidence:  m.AverageConfidence,
			Reasoning:   m.Reasoning,
			ClusterSize: m.FindingCount,
		})
	}
	s.IntelligentFindings = out
	s.DedupStage = DedupCompleted
	s.DedupPhase = scan.PhaseCompleted
	return s, nil
}

// addDedupNodes registers the ten-stage pipeline and returns the node
// names in execution order.
func (e *Engine) addDedupNodes(b *graph.Builder) []string {
	order := []struct {
		name string
		node graph.Node
	}{
		{"artifact_collector", e.CollectArtifacts},
		{"format_detector", e.DetectFormats},
		{"known_format_parsers", e.ParseKnownFormats},
		{"schema_mapper", e.MapSchema},
		{"owasp_tagger", e.TagOwasp},
		{"signature_dedup", e.DedupBySignature},
		{"semantic_dedup", e.DedupBySemantics},
		{"context_dedup", e.DedupByContext},
		{"merge_executor", e.MergeClusters},
		{"severity_adjuster", e.AdjustSeverity},
	}
	names := make([]string, 0, len(order))
	for _, n := range order {
		b.AddNode(n.name, n.node)
		names = append(names, n.name)
	}
	return names
}

func sortedSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
