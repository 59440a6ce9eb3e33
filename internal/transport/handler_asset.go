package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/assetflow/internal/approval"
	"github.com/pitabwire/assetflow/internal/catalog"
	"github.com/pitabwire/assetflow/internal/openapi"
)

func handleSubmit(engine *approval.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		summary, err := engine.Submit(r.Context(), rctx, chi.URLParam(r, "assetId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, summary)
	}
}

func handleApprove(engine *approval.Engine, api *openapi.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var in approval.ApproveInput
		if !bind(w, r, api, "approveAsset", &in) {
			return
		}
		summary, err := engine.SubmitApproval(r.Context(), rctx, chi.URLParam(r, "assetId"), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, summary)
	}
}

func handleRequestChanges(engine *approval.Engine, api *openapi.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var in approval.RequestChangesInput
		if !bind(w, r, api, "requestChanges", &in) {
			return
		}
		summary, err := engine.RequestChanges(r.Context(), rctx, chi.URLParam(r, "assetId"), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, summary)
	}
}

func handleFinalApprove(engine *approval.Engine, api *openapi.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var in approval.FinalApproveInput
		if !bind(w, r, api, "finalApprove", &in) {
			return
		}
		summary, err := engine.FinalApprove(r.Context(), rctx, chi.URLParam(r, "assetId"), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, summary)
	}
}

func handleStageSummary(engine *approval.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		summary, err := engine.StageSummary(r.Context(), rctx, chi.URLParam(r, "assetId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, summary)
	}
}

func handleReview(engine *approval.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		view, err := engine.Review(r.Context(), rctx, chi.URLParam(r, "assetId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleDeleteAsset(svc *catalog.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		if err := svc.DeleteAsset(r.Context(), rctx, chi.URLParam(r, "assetId")); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
