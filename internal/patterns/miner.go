package patterns

import (
	"log/slog"
	"sort"
	"time"

	"github.com/gridsentry/gridsentry-audit/internal/models"
)

// Miner aggregates contextual-analysis flags across a facility's verdict
// history into frequency patterns. Patterns are advisory output for
// reviewers; they never feed back into classification.
type Miner struct {
	logger *slog.Logger
}

// NewMiner constructs a Miner.
func NewMiner(logger *slog.Logger) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{logger: logger}
}

// Mine returns one pattern per flag seen in the history, most prevalent
// first. Verdicts without flags still count toward the prevalence
// denominator.
func (m *Miner) Mine(verdicts []models.AuditVerdict) []models.FlagPattern {
	if len(verdicts) == 0 {
		return nil
	}

	stats := make(map[string]*flagAggregate)
	for _, verdict := range verdicts {
		for _, flag := range verdict.Flags {
			agg := ensureAggregate(stats, flag)
			agg.count++
			agg.confidenceSum += verdict.Confidence
			if verdict.CreatedAt.After(agg.lastSeen) {
				agg.lastSeen = verdict.CreatedAt
			}
		}
	}

	patterns := make([]models.FlagPattern, 0, len(stats))
	for flag, agg := range stats {
		patterns = append(patterns, models.FlagPattern{
			Flag:          flag,
			Count:         agg.count,
			Prevalence:    float64(agg.count) / float64(len(verdicts)),
			LastSeen:      agg.lastSeen,
			AvgConfidence: float64(agg.confidenceSum) / float64(agg.count),
		})
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Prevalence != patterns[j].Prevalence {
			return patterns[i].Prevalence > patterns[j].Prevalence
		}
		return patterns[i].Flag < patterns[j].Flag
	})
	return patterns
}

type flagAggregate struct {
	count         int
	confidenceSum int
	lastSeen      time.Time
}

func ensureAggregate(m map[string]*flagAggregate, flag string) *flagAggregate {
	agg, ok := m[flag]
	if !ok {
		agg = &flagAggregate{}
		m[flag] = agg
	}
	return agg
}
