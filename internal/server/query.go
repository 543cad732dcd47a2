package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bdougie/vision/internal/llm"
	"github.com/bdougie/vision/internal/models"
	"github.com/bdougie/vision/internal/retry"
	"github.com/bdougie/vision/internal/storage"
)

const answerSystemPrompt = "You answer questions about analyzed videos using only the observations provided. Cite timestamps as [video mm:ss]. If the observations do not contain the answer, say so."

type queryRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k"`
}

type queryResponse struct {
	Answer string             `json:"answer,omitempty"`
	Hits   []models.SearchHit `json:"hits"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	searcher, ok := s.store.(storage.Searcher)
	if !ok {
		writeError(w, http.StatusNotImplemented, "the configured storage cannot search")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	if req.TopK <= 0 || req.TopK > 50 {
		req.TopK = 5
	}

	hits, err := searcher.Search(r.Context(), req.Question, req.TopK)
	if errors.Is(err, storage.ErrSearchUnavailable) {
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("search failed", "error", err)
		writeError(w, http.StatusBadGateway, "search failed")
		return
	}
	if hits == nil {
		hits = []models.SearchHit{}
	}

	resp := queryResponse{Hits: hits}
	if s.chat != nil && len(hits) > 0 {
		messages := answerMessages(req.Question, hits)
		answer, err := retry.Do(r.Context(), s.opts.RetryPolicy, s.logger, func(ctx context.Context) (string, error) {
			return s.chat.Chat(ctx, messages)
		})
		if err != nil {
			// Hits are still useful without the answer
			s.logger.Error("answer generation failed", "error", err)
		} else {
			resp.Answer = answer
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func answerMessages(question string, hits []models.SearchHit) []llm.Message {
	var b strings.Builder
	b.WriteString("Observations:\n")
	for _, h := range hits {
		fmt.Fprintf(&b, "- [%s %s] %s\n", h.VideoName, h.Observation.Timestamp, h.Observation.Text())
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)

	return []llm.Message{
		{Role: "system", Content: answerSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}
