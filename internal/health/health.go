package health

import (
	"encoding/json"
	"net/http"

	"github.com/beaconlabs/beaconq/syncer"
)

type Response struct {
	OK     bool           `json:"ok"`
	Status *syncer.Status `json:"status,omitempty"`
}

// HTTPHandler returns a handler reporting liveness plus the current queue
// and sync snapshot when a status source is wired.
func HTTPHandler(status func() syncer.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := Response{OK: true}
		if status != nil {
			st := status()
			resp.Status = &st
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
