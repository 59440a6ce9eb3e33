package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/assetflow/internal/catalog"
	"github.com/pitabwire/assetflow/internal/openapi"
)

func handleProjectList(svc *catalog.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		projects, err := svc.ListProjects(r.Context(), rctx)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, list(projects))
	}
}

func handleProjectCreate(svc *catalog.Service, api *openapi.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var in catalog.CreateProjectInput
		if !bind(w, r, api, "createProject", &in) {
			return
		}
		p, err := svc.CreateProject(r.Context(), rctx, in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, p)
	}
}

func handleProjectGet(svc *catalog.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		p, err := svc.GetProject(r.Context(), rctx, chi.URLParam(r, "projectId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

func handleProjectAttachWorkflow(svc *catalog.Service, api *openapi.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var body struct {
			WorkflowID string `json:"workflow_id"`
		}
		if !bind(w, r, api, "attachWorkflow", &body) {
			return
		}
		p, err := svc.AttachWorkflow(r.Context(), rctx, chi.URLParam(r, "projectId"), body.WorkflowID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

func handleAssetList(svc *catalog.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		assets, err := svc.ListAssets(r.Context(), rctx, chi.URLParam(r, "projectId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, list(assets))
	}
}

func handleAssetCreate(svc *catalog.Service, api *openapi.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var in catalog.CreateAssetInput
		if !bind(w, r, api, "createAsset", &in) {
			return
		}
		a, err := svc.CreateAsset(r.Context(), rctx, chi.URLParam(r, "projectId"), in)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, a)
	}
}
