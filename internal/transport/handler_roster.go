package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/assetflow/internal/openapi"
	"github.com/pitabwire/assetflow/internal/roster"
)

func handleStageReviewerList(svc *roster.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		order, ok := pathInt(w, r, "stageOrder")
		if !ok {
			return
		}
		reviewers, err := svc.ListReviewersForStage(r.Context(), rctx, chi.URLParam(r, "projectId"), order)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, list(reviewers))
	}
}

func handleReviewerAdd(svc *roster.Service, api *openapi.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		order, ok := pathInt(w, r, "stageOrder")
		if !ok {
			return
		}
		var in roster.AddReviewerInput
		if !bind(w, r, api, "addReviewer", &in) {
			return
		}
		reviewer, err := svc.AddReviewer(r.Context(), rctx, chi.URLParam(r, "projectId"), order, in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, reviewer)
	}
}

func handleReviewerList(svc *roster.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		rosters, err := svc.ListReviewers(r.Context(), rctx, chi.URLParam(r, "projectId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, list(rosters))
	}
}

func handleReviewerRemove(svc *roster.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		if err := svc.RemoveReviewer(r.Context(), rctx, chi.URLParam(r, "reviewerId")); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
