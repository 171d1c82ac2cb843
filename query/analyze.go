package query

import (
	"time"

	"github.com/devblac/sport-tracker-sub010/backend"
)

// IndexRecommendation suggests an index for a known access pattern
type IndexRecommendation struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Reason  string   `json:"reason"`
}

// Analysis is the result of AnalyzeQuery
type Analysis struct {
	QueryID              string                `json:"query_id"`
	Table                string                `json:"table"`
	Kind                 backend.OpKind        `json:"kind"`
	Executions           int64                 `json:"executions"`
	AverageExecutionTime time.Duration         `json:"average_execution_time"`
	Slow                 bool                  `json:"slow"`
	Indexes              []IndexRecommendation `json:"indexes"`
	Suggestions          []string              `json:"suggestions"`
}

// accessPatterns are the common filter combinations of the app's tables
var accessPatterns = map[string][]IndexRecommendation{
	"workouts": {
		{Columns: []string{"user_id", "completed_at"}, Reason: "history and feed filter by user and order by completion time"},
		{Columns: []string{"user_id", "status"}, Reason: "active workout lookup filters by user and status"},
	},
	"workout_sets": {
		{Columns: []string{"workout_id", "exercise_id"}, Reason: "sets are loaded per workout and grouped by exercise"},
	},
	"exercises": {
		{Columns: []string{"category", "name"}, Reason: "exercise picker filters by category and sorts by name"},
	},
	"activities": {
		{Columns: []string{"user_id", "created_at"}, Reason: "social feed pages by author and recency"},
	},
	"friendships": {
		{Columns: []string{"user_id", "status"}, Reason: "friend lists filter by user and request status"},
		{Columns: []string{"friend_id", "status"}, Reason: "incoming requests filter by recipient and status"},
	},
	"notifications": {
		{Columns: []string{"user_id", "read", "created_at"}, Reason: "unread badge and inbox filter by user and read flag"},
	},
	"user_achievements": {
		{Columns: []string{"user_id", "unlocked_at"}, Reason: "achievement timeline per user"},
	},
	"user_stats": {
		{Columns: []string{"user_id"}, Reason: "profile statistics are read per user"},
	},
}

// AnalyzeQuery returns index recommendations for table and, when the query
// averaged above the slow threshold, optimization suggestions.
func (e *Executor) AnalyzeQuery(queryID, table string, kind backend.OpKind) Analysis {
	a := Analysis{QueryID: queryID, Table: table, Kind: kind}

	if kind == backend.OpSelect || kind == backend.OpUpdate || kind == backend.OpDelete || kind == "" {
		for _, rec := range accessPatterns[table] {
			rec.Table = table
			rec.Columns = append([]string(nil), rec.Columns...)
			a.Indexes = append(a.Indexes, rec)
		}
	}

	stats, ok := e.Stats(queryID)
	if !ok {
		return a
	}
	a.Executions = stats.Executions
	a.AverageExecutionTime = stats.AverageTime
	a.Slow = stats.Executions > 0 && stats.AverageTime > e.config.SlowQueryThreshold

	if a.Slow {
		a.Suggestions = append(a.Suggestions,
			"Add indexes on the filtered and ordered columns",
			"Review filters and joins to reduce scanned rows",
			"Select only the columns the view needs and paginate large results",
		)
		if kind.IsWrite() {
			a.Suggestions = append(a.Suggestions, "Batch writes to reduce round trips")
		}
	}
	if kind == backend.OpSelect && stats.Executions >= 5 && stats.CacheHits == 0 {
		a.Suggestions = append(a.Suggestions, "Enable caching for this frequently repeated read")
	}
	if stats.Errors > 0 && stats.Errors*2 >= stats.Executions {
		a.Suggestions = append(a.Suggestions, "Most executions fail: check the operation's filters and permissions")
	}
	return a
}
