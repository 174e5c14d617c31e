package patterns

import (
	"math"

	"github.com/fyrsmithlabs/pulsed/internal/eventstore"
)

// minRateSpan keeps switch rates finite for very short windows.
const minRateSpan = 0.1 // hours

// EnergyComponents are the normalized inputs to the energy score.
type EnergyComponents struct {
	TestPassRate    float64 `json:"test_pass_rate"`
	TestsObserved   int     `json:"tests_observed"`
	SwitchesPerHour float64 `json:"switches_per_hour"`
	SwitchPenalty   float64 `json:"switch_penalty"`
	ErrorRate       float64 `json:"error_rate"`
}

// EnergyWeights are the weights applied to each component.
type EnergyWeights struct {
	TestPass float64 `json:"test_pass"`
	Switch   float64 `json:"switch"`
	Error    float64 `json:"error"`
}

// EnergyReport is a 0-100 productivity score with its breakdown.
type EnergyReport struct {
	Score      float64          `json:"score"`
	Grade      string           `json:"grade"`
	Components EnergyComponents `json:"components"`
	Weights    EnergyWeights    `json:"weights"`
	Insights   []string         `json:"insights"`
}

// neutralScore is reported when a window has no events.
const neutralScore = 50

// EnergyScore combines test pass rate, context switching and error
// frequency into one score. Windows without test outcomes use a neutral
// pass rate of 0.5; an empty window scores the neutral 50.
func EnergyScore(events []eventstore.Event, cfg Config) EnergyReport {
	weights := EnergyWeights{TestPass: cfg.TestPassWeight, Switch: cfg.SwitchWeight, Error: cfg.ErrorWeight}
	if len(events) == 0 {
		return EnergyReport{
			Score:      neutralScore,
			Grade:      Grade(neutralScore),
			Components: EnergyComponents{TestPassRate: 0.5},
			Weights:    weights,
			Insights:   []string{},
		}
	}
	evs := sorted(events)

	var passed, failed, errs int
	for _, e := range evs {
		switch e.Type {
		case eventstore.TypeTestPassed:
			passed++
		case eventstore.TypeTestFailed:
			failed++
		}
		if isError(e) {
			errs++
		}
	}

	c := EnergyComponents{TestPassRate: 0.5, TestsObserved: passed + failed}
	if c.TestsObserved > 0 {
		c.TestPassRate = float64(passed) / float64(c.TestsObserved)
	}
	hours := math.Max(span(evs).Hours(), minRateSpan)
	c.SwitchesPerHour = float64(countSwitches(evs)) / hours
	if cfg.MaxSwitchesPerHour > 0 {
		c.SwitchPenalty = clamp01(c.SwitchesPerHour / cfg.MaxSwitchesPerHour)
	}
	c.ErrorRate = float64(errs) / float64(len(evs))

	score := float64(neutralScore)
	if total := weights.TestPass + weights.Switch + weights.Error; total > 0 {
		score = 100 * (weights.TestPass*c.TestPassRate +
			weights.Switch*(1-c.SwitchPenalty) +
			weights.Error*(1-c.ErrorRate)) / total
	}
	score = math.Round(math.Max(0, math.Min(100, score))*10) / 10

	return EnergyReport{
		Score:      score,
		Grade:      Grade(score),
		Components: c,
		Weights:    weights,
		Insights:   insights(c, ComputeFlow(evs, cfg)),
	}
}

// Grade maps a score to a letter grade.
func Grade(score float64) string {
	switch {
	case score >= 90:
		return "A+"
	case score >= 85:
		return "A"
	case score >= 80:
		return "A-"
	case score >= 75:
		return "B+"
	case score >= 70:
		return "B"
	case score >= 65:
		return "B-"
	case score >= 60:
		return "C+"
	case score >= 55:
		return "C"
	case score >= 50:
		return "C-"
	default:
		return "D"
	}
}

func insights(c EnergyComponents, flow FlowSnapshot) []string {
	out := []string{}
	if flow.IsInFlow {
		out = append(out, "Excellent flow state maintenance")
	}
	if c.TestsObserved > 0 {
		switch {
		case c.TestPassRate > 0.8:
			out = append(out, "High test pass rate, good code quality")
		case c.TestPassRate < 0.5:
			out = append(out, "Low test pass rate, focus on testing")
		}
	}
	if c.SwitchPenalty > 0.6 {
		out = append(out, "High context switching, try staying focused on fewer files")
	}
	if c.ErrorRate > 0.5 {
		out = append(out, "High error frequency, take breaks and double-check code")
	}
	return out
}
