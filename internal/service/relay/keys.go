package relay

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"trustsync/internal/model"
	"trustsync/internal/utils/log"
)

// Key directory: peers publish their public keys on first connect and look
// up other DIDs' keys before inviting them into a space.

func (s *Server) GetKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		did := mux.Vars(r)["did"]

		rec, err := s.directory.Get(ctx, did)
		if err != nil {
			log.Error("key lookup failed", zap.String("did", did), zap.Error(err))
			http.Error(w, "key lookup failed", http.StatusInternalServerError)
			return
		}
		if rec == nil {
			http.Error(w, "did has no published keys", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rec); err != nil {
			log.Error("key response encode failed", zap.Error(err))
		}
	}
}

func (s *Server) PutKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		did := mux.Vars(r)["did"]

		var rec model.KeyRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			http.Error(w, "malformed key record", http.StatusBadRequest)
			return
		}
		if rec.Did != did {
			http.Error(w, "record did does not match path", http.StatusBadRequest)
			return
		}
		if len(rec.SigningKey) == 0 || len(rec.EncryptionKey) == 0 {
			http.Error(w, "record is missing key material", http.StatusBadRequest)
			return
		}

		if err := s.directory.Put(ctx, &rec); err != nil {
			log.Error("key publish failed", zap.String("did", did), zap.Error(err))
			http.Error(w, "key publish failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
