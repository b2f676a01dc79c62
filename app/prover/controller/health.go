package controller

import "net/http"

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.App.DB.Pool.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored", "error": "database connection error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
