package handlers

import (
	"net/http"

	"github.com/vango-go/vai-relay/pkg/relay/mw"
)

type NotFoundHandler struct{}

func (NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	mw.WriteJSONError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path, reqID)
}
