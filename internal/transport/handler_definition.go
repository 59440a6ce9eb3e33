package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/assetflow/internal/definition"
	"github.com/pitabwire/assetflow/internal/openapi"
	"github.com/pitabwire/assetflow/model"
)

func handleWorkflowList(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		workflows, err := svc.List(r.Context(), rctx, queryBool(r, "include_archived", false))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, list(workflows))
	}
}

func handleWorkflowCreate(svc *definition.Service, api *openapi.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var in definition.CreateInput
		if !bind(w, r, api, "createWorkflow", &in) {
			return
		}
		wf, err := svc.Create(r.Context(), rctx, in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, wf)
	}
}

func handleWorkflowGet(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		wf, err := svc.Get(r.Context(), rctx, chi.URLParam(r, "workflowId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, wf)
	}
}

func handleWorkflowUpdateStages(svc *definition.Service, api *openapi.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var body struct {
			Stages []model.OrderedStage `json:"stages"`
		}
		if !bind(w, r, api, "updateWorkflowStages", &body) {
			return
		}
		wf, err := svc.UpdateStages(r.Context(), rctx, chi.URLParam(r, "workflowId"), body.Stages)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, wf)
	}
}

func handleWorkflowSetDefault(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		wf, err := svc.SetDefault(r.Context(), rctx, chi.URLParam(r, "workflowId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, wf)
	}
}

func handleWorkflowArchive(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		wf, err := svc.Archive(r.Context(), rctx, chi.URLParam(r, "workflowId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, wf)
	}
}

func handleWorkflowDelete(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		if err := svc.Delete(r.Context(), rctx, chi.URLParam(r, "workflowId")); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
