package prefetch

import "time"

// Analytics summarises prediction quality and queue activity
type Analytics struct {
	Actions         int64            `json:"actions"`
	PredictionsMade int64            `json:"predictions_made"`
	PredictionHits  int64            `json:"prediction_hits"`
	Accuracy        float64          `json:"accuracy"`
	QueueLength     int              `json:"queue_length"`
	Queued          int64            `json:"queued"`
	Executed        int64            `json:"executed"`
	Failed          int64            `json:"failed"`
	Rejected        map[string]int64 `json:"rejected"`
	BytesFetched    int64            `json:"bytes_fetched"`
	Locations       int              `json:"locations"`
	HistoryLength   int              `json:"history_length"`
	Location        string           `json:"location"`
	LastRefresh     time.Time        `json:"last_refresh"`
	LastSave        time.Time        `json:"last_save"`
}

// Analytics returns the current counters. Accuracy is hits over predictions
// made, zero before the first prediction.
func (p *Prefetcher) Analytics() Analytics {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := Analytics{
		Actions:         p.stats.actions,
		PredictionsMade: p.stats.predictionsMade,
		PredictionHits:  p.stats.predictionHits,
		QueueLength:     len(p.queue),
		Queued:          p.stats.queued,
		Executed:        p.stats.executed,
		Failed:          p.stats.failed,
		Rejected:        make(map[string]int64, len(p.stats.rejected)),
		BytesFetched:    p.stats.bytes,
		Locations:       len(p.models),
		HistoryLength:   p.history.Size(),
		Location:        p.location,
		LastRefresh:     p.stats.lastRefresh,
		LastSave:        p.stats.lastSave,
	}
	for k, v := range p.stats.rejected {
		a.Rejected[k] = v
	}
	if a.PredictionsMade > 0 {
		a.Accuracy = float64(a.PredictionHits) / float64(a.PredictionsMade)
	}
	return a
}
