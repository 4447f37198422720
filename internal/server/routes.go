package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/dkod-io/dkod-engine/internal/api/v1"
	"github.com/dkod-io/dkod-engine/internal/api/ws"
)

func registerAPIRoutes(api huma.API, deps Deps) {
	v1.RegisterSessionRoutes(api, deps.Sessions)
	v1.RegisterFileRoutes(api, deps.Sessions, deps.Files)
	v1.RegisterChangesetRoutes(api, deps.Sessions, deps.Changesets, deps.Verifier, deps.Merger, deps.Bus)
	v1.RegisterSymbolRoutes(api, deps.Symbols, deps.Search)
	v1.RegisterPipelineRoutes(api, deps.Pipelines)
}

func registerWatchRoutes(r chi.Router, handler *ws.Handler) {
	r.Get("/watch", handler.ServeWatch)
}
