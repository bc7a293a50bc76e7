package decay

import (
	"context"
	"fmt"
	"time"

	"github.com/neurolm/engram/internal/memory"
)

const (
	// maxExplanationLen caps the explanation text.
	maxExplanationLen = 1000

	// lowConfidenceTier is where the fading warning kicks in.
	lowConfidenceTier = 0.3
)

// Explainer produces a human-readable rationale for a memory's decay
// trajectory.
type Explainer struct {
	repo memory.Repository
	now  func() time.Time
}

// NewExplainer creates an explainer.
func NewExplainer(repo memory.Repository) *Explainer {
	return &Explainer{repo: repo, now: time.Now}
}

// Explain describes why a memory decays the way it does. An unknown id
// yields descriptive text, not an error.
func (e *Explainer) Explain(ctx context.Context, memoryID string) (string, error) {
	m, err := e.repo.GetMemory(ctx, memoryID)
	if err != nil {
		return "", err
	}
	if m == nil {
		return fmt.Sprintf("Memory %s not found. It may have been deleted or never existed.", memoryID), nil
	}

	ageDays := int(e.now().Sub(m.Timestamp).Hours() / 24)

	text := fmt.Sprintf("Memory %s is %d days old with confidence %.2f. %s %s",
		m.ID, ageDays, m.Confidence, categoryRationale(m.Category), confidenceTier(m.Confidence))

	if m.DecayedAt != nil {
		text += fmt.Sprintf(" It was flagged as decayed on %s and remains retrievable until purged.",
			m.DecayedAt.Format("2006-01-02"))
	}

	if len(text) > maxExplanationLen {
		text = text[:maxExplanationLen-3] + "..."
	}
	return text, nil
}

// categoryRationale is exhaustive over the closed category set.
func categoryRationale(c memory.Category) string {
	switch c {
	case memory.CategorySocialOrganizational:
		return "Social and organizational memories are protected from decay because personal connections stay relevant."
	case memory.CategoryEconomic:
		return "Economic memories are prioritized for refresh since financial details go stale quickly."
	case memory.CategoryTechnicalIssue:
		return "Technical issue memories stay accessible until the underlying system is deprecated."
	case memory.CategoryDocumentRelated:
		return "Document-related memories decay on an adjusted schedule tied to their source material."
	case memory.CategoryGeneralKnowledge:
		return "General knowledge memories follow the standard decay schedule."
	default:
		return "This memory has an unrecognized category and follows the standard decay schedule."
	}
}

func confidenceTier(confidence float64) string {
	if confidence < lowConfidenceTier {
		return "Its confidence is low, so decay accelerates; without reinforcement it will likely fade after 30 days of inactivity."
	}
	return "Its confidence is reinforced, so it is unlikely to decay soon."
}
