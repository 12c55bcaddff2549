package types

// ReviewInput is one review to score. Only the text fields matter for
// most models; absent numeric fields fall back to the training means.
type ReviewInput struct {
	ReviewText *string  `json:"reviewText"`
	Summary    *string  `json:"summary"`
	Verified   *bool    `json:"verified,omitempty"`
	Time       *float64 `json:"time,omitempty"`
	LogVotes   *float64 `json:"log_votes,omitempty"`
}

// ScoreRequest asks the model of one run for sentiment labels.
// An empty RunID targets the latest run.
type ScoreRequest struct {
	RunID   string        `json:"run_id,omitempty"`
	Reviews []ReviewInput `json:"reviews"`
}

// ScoredReview is the model verdict for one input row. Label 1 means
// positive sentiment, Score is the raw classifier score.
type ScoredReview struct {
	Label int     `json:"label"`
	Score float64 `json:"score"`
}

// ScoreResponse lists verdicts in request order.
type ScoreResponse struct {
	RunID    string         `json:"run_id"`
	Endpoint string         `json:"endpoint"`
	Results  []ScoredReview `json:"results"`
}
