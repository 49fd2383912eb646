package handlers

import (
	"net/http"

	"github.com/tobira-shop/storefront/internal/platform/httpx"
)

// Healthz reports process liveness.
func Healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
