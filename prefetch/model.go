package prefetch

import (
	"slices"
	"strings"
)

// sequenceSeparator joins the targets of a sequence key
const sequenceSeparator = "->"

// PredictionModel is what was learned about one location
type PredictionModel struct {
	// NextRoutes counts the targets that followed the location
	NextRoutes map[string]int `json:"nextRoutes"`
	// TimePatterns lists the targets seen from the location per local hour
	TimePatterns map[int][]string `json:"timePatterns"`
	// SequencePatterns lists the targets that followed a sequence of recent
	// targets, keyed by the sequence joined with "->"
	SequencePatterns map[string][]string `json:"sequencePatterns"`
}

func newModel() *PredictionModel {
	return &PredictionModel{
		NextRoutes:       make(map[string]int),
		TimePatterns:     make(map[int][]string),
		SequencePatterns: make(map[string][]string),
	}
}

// ensure fills nil maps of a decoded model
func (m *PredictionModel) ensure() {
	if m.NextRoutes == nil {
		m.NextRoutes = make(map[string]int)
	}
	if m.TimePatterns == nil {
		m.TimePatterns = make(map[int][]string)
	}
	if m.SequencePatterns == nil {
		m.SequencePatterns = make(map[string][]string)
	}
}

func (m *PredictionModel) observe(target string, hour int, sequenceKey string) {
	m.NextRoutes[target]++
	m.TimePatterns[hour] = appendUnique(m.TimePatterns[hour], target)
	if sequenceKey != "" {
		m.SequencePatterns[sequenceKey] = appendUnique(m.SequencePatterns[sequenceKey], target)
	}
}

// transitions returns the total number of observed transitions
func (m *PredictionModel) transitions() int {
	total := 0
	for _, n := range m.NextRoutes {
		total += n
	}
	return total
}

func (m *PredictionModel) clone() *PredictionModel {
	out := newModel()
	for k, v := range m.NextRoutes {
		out.NextRoutes[k] = v
	}
	for k, v := range m.TimePatterns {
		out.TimePatterns[k] = slices.Clone(v)
	}
	for k, v := range m.SequencePatterns {
		out.SequencePatterns[k] = slices.Clone(v)
	}
	return out
}

// Models maps a location to its model; this is the persisted document
type Models map[string]*PredictionModel

func sequenceKey(targets []string) string {
	return strings.Join(targets, sequenceSeparator)
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}
