package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"

	"reviewml.com/sentiment/pipeline"
	"reviewml.com/sentiment/registry"
	"reviewml.com/sentiment/types"
)

// Scorer labels review rows against a deployed run. *pipeline.Scorer
// satisfies it.
type Scorer interface {
	Score(ctx context.Context, request types.ScoreRequest) (*types.ScoreResponse, error)
}

type Request struct {
	Scorer Scorer
}

func (req *Request) ProcessScore(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	logger := makeRequestLogger(r)

	if r.Method != "POST" {
		logger.Err(nil).Int("status", http.StatusMethodNotAllowed).Msg("Only 'POST' method is allowed here")
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	msg, err := ioutil.ReadAll(r.Body)
	if err != nil {
		logger.Err(err).Int("status", http.StatusBadRequest).Msg("Could not read request body")
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	var request types.ScoreRequest
	if err = json.Unmarshal(msg, &request); err != nil {
		logger.Err(err).Int("status", http.StatusBadRequest).Msg("Could not parse scoring request")
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	if len(request.Reviews) == 0 {
		logger.Err(nil).Int("status", http.StatusBadRequest).Msg("Scoring request carries no reviews")
		http.Error(w, "", http.StatusBadRequest)
		return
	}

	logger.Info().Str("run_id", request.RunID).Int("reviews", len(request.Reviews)).Msg("Scoring request from API")
	response, err := req.Scorer.Score(r.Context(), request)
	if err != nil {
		status := scoringStatus(err)
		logger.Err(err).Int("status", status).Msg("Failed to score request")
		http.Error(w, "", status)
		return
	}

	body, err := json.Marshal(response)
	if err != nil {
		logger.Err(err).Int("status", http.StatusInternalServerError).Msg("Could not serialize scoring response")
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(body)
	logger.Info().Int("status", http.StatusOK).Msg("Finished processing request")
}

// scoringStatus maps scoring errors onto response codes: unknown run,
// run without a serving endpoint, any upstream failure.
func scoringStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrNoLiveEndpoint):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
