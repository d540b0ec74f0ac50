// Package httpapi is the legacy HTTP compatibility layer of spec.md §6:
// three routes that mirror the session protocol's request handlers
// one-to-one, for bootstrap or diagnostic callers that can't speak the
// WebSocket protocol. Every route runs through the same attestdb
// insertion path the session layer uses, so there is exactly one place
// in the whole repository that inserts an envelope.
package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sort"

	"github.com/julienschmidt/httprouter"

	"github.com/tos-network/attest/attestdb"
	"github.com/tos-network/attest/envelope"
	"github.com/tos-network/attest/log"
	"github.com/tos-network/attest/protocol"
	"github.com/tos-network/attest/registry"
)

// specificTipsBody is the POST /tips request body.
type specificTipsBody struct {
	Tips []envelope.Hash `json:"tips"`
}

// NewRouter registers the three legacy routes against db and returns the
// router ready to be served. gss is optional: when non-nil, a fourth
// route (POST /authenticate) is wired so this process can also act as
// the out-of-band reverse-authentication target of the handshake
// (spec.md §4.3 step 4).
func NewRouter(db *attestdb.DB, gss *protocol.GlobalSocketState) *httprouter.Router {
	r := httprouter.New()
	r.GET("/newest_tips", newestTipsHandler(db))
	r.POST("/tips", specificTipsHandler(db))
	r.POST("/msg", postMessageHandler(db))
	if gss != nil {
		r.POST("/authenticate", authenticateHandler(gss))
	}
	return r
}

func withCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
}

// newestTipsHandler mirrors get_newest_tip_handler / the WebSocket
// LatestTips request.
func newestTipsHandler(db *attestdb.DB) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		log.Trace("httpapi: GET /newest_tips", "from", r.RemoteAddr)

		h, err := db.Begin(r.Context())
		if err != nil {
			http.Error(w, "", http.StatusInternalServerError)
			return
		}
		tips, err := h.GetTipsForAllUsers()
		if err != nil {
			h.Rollback()
			http.Error(w, "", http.StatusInternalServerError)
			return
		}
		h.Commit()

		withCORS(w)
		json.NewEncoder(w).Encode(tips)
	}
}

// specificTipsHandler mirrors get_tip_handler / the WebSocket
// SpecificTips request: the requested hash list is sorted and deduped
// before lookup, as spec.md §4.3 requires of the responder.
func specificTipsHandler(db *attestdb.DB) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var body specificTipsBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "", http.StatusBadRequest)
			return
		}
		log.Trace("httpapi: POST /tips", "from", r.RemoteAddr, "n", len(body.Tips))

		h, err := db.Begin(r.Context())
		if err != nil {
			http.Error(w, "", http.StatusInternalServerError)
			return
		}
		envs, err := h.MessagesByHash(sortDedupHashes(body.Tips))
		if err != nil {
			h.Rollback()
			http.Error(w, "", http.StatusInternalServerError)
			return
		}
		h.Commit()

		withCORS(w)
		json.NewEncoder(w).Encode(envs)
	}
}

// postMessageHandler mirrors post_message / the WebSocket Post request:
// every envelope is self-authenticated before any insertion is
// attempted, and an unauthentic envelope simply gets a failed Outcome
// rather than aborting the whole batch, matching §4.3's per-envelope
// Outcome list.
func postMessageHandler(db *attestdb.DB) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var envs []envelope.Envelope
		if err := json.NewDecoder(r.Body).Decode(&envs); err != nil {
			http.Error(w, "", http.StatusBadRequest)
			return
		}
		log.Info("httpapi: POST /msg", "from", r.RemoteAddr, "n", len(envs))

		outcomes := make([]protocol.Outcome, 0, len(envs))
		h, err := db.Begin(r.Context())
		if err != nil {
			http.Error(w, "", http.StatusInternalServerError)
			return
		}
		for _, env := range envs {
			authentic, err := envelope.SelfAuthenticate(env)
			if err != nil {
				log.Debug("httpapi: invalid message from peer", "err", err)
				outcomes = append(outcomes, protocol.Outcome{Success: false})
				continue
			}
			if insertErr := insertOne(h, authentic); insertErr != nil {
				log.Debug("httpapi: inserting into database failed", "err", insertErr)
				outcomes = append(outcomes, protocol.Outcome{Success: false})
				continue
			}
			outcomes = append(outcomes, protocol.Outcome{Success: true})
		}
		h.Commit()

		withCORS(w)
		json.NewEncoder(w).Encode(outcomes)
	}
}

// insertOne dispatches to the genesis or continuation insert path,
// matching the fetch package's own handling of the two cases.
func insertOne(h *attestdb.Handle, authentic envelope.Authentic) error {
	env := authentic.Inner()
	if env.Header.Ancestors == nil && env.Header.Height == 0 {
		_, err := h.InsertUserByGenesisEnvelope(autoNickname(env.Header.Key), authentic)
		return err
	}
	return h.TryInsertAuthenticatedEnvelope(authentic)
}

func autoNickname(key envelope.XOnlyPubKey) string {
	s := key.String()
	if len(s) > 12 {
		s = s[:12]
	}
	return "peer-" + s
}

// sortDedupHashes mirrors the responder's "sort-unstable + dedup" pass
// over a requested hash list before database lookup.
func sortDedupHashes(hashes []envelope.Hash) []envelope.Hash {
	seen := make(map[envelope.Hash]struct{}, len(hashes))
	out := make([]envelope.Hash, 0, len(hashes))
	for _, hash := range hashes {
		if _, dup := seen[hash]; dup {
			continue
		}
		seen[hash] = struct{}{}
		out = append(out, hash)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// authenticateHandler is the out-of-band reverse-authentication target
// of the handshake (spec.md §4.3 step 4): a peer's server posts the
// challenge secret here once it has independently reached this service,
// and GlobalSocketState.AddACookie resolves whichever client handshake
// is waiting on it.
func authenticateHandler(gss *protocol.GlobalSocketState) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "", http.StatusBadRequest)
			return
		}
		secret, err := registry.DecodeAuthenticateBody(raw)
		if err != nil {
			http.Error(w, "", http.StatusBadRequest)
			return
		}
		gss.AddACookie(secret)
		w.WriteHeader(http.StatusOK)
	}
}
