package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"secretboard/cfg"
	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/domain"
	"secretboard/svc/svc"
	"secretboard/svc/util"
)

const (
	maxRequestSize = 64 * 1024
	maxRevealBatch = 64
)

type Hdl struct {
	board *svc.Board
	cfg   *cfg.Cfg
}

type SealReq struct {
	Value       string              `json:"value"`
	Author      boardcrypto.Address `json:"author"`
	Destination boardcrypto.Address `json:"destination"`
}
type SealResp struct {
	Handle domain.Handle `json:"handle"`
	Proof  string        `json:"proof"`
}
type RevealReq struct {
	Handles []domain.Handle `json:"handles"`
}
type RevealResp struct {
	Values map[string]string `json:"values"`
}
type PostReq struct {
	Ciphertext string        `json:"ciphertext"`
	Handle     domain.Handle `json:"handle"`
	Proof      string        `json:"proof"`
	Signature  string        `json:"signature"`
}
type PostResp struct {
	ID uint64 `json:"id"`
}
type CountResp struct {
	Count uint64 `json:"count"`
}
type BoardResp struct {
	Address boardcrypto.Address `json:"address"`
}

// decodeJSON reads a bounded JSON body into v. It writes the error response
// itself and reports whether decoding succeeded.
func (h *Hdl) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().Str("content_type", contentType).Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(errBody{
			Error:     "expected Content-Type: application/json",
			Code:      domain.ErrInvalidRequest.Code,
			RequestID: requestID,
		})
		return false
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return false
	}
	limit := int64(maxRequestSize)
	if 2*h.cfg.MaxCiphertextBytes+4096 > limit {
		limit = 2*h.cfg.MaxCiphertextBytes + 4096
	}
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, domain.ErrContentTooLong, requestID)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeErr(w, domain.ErrContentTooLong, requestID)
			return false
		}
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return false
	}
	return true
}

func (h *Hdl) Seal(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	var req SealReq
	if !h.decodeJSON(w, r, &req) {
		return
	}
	handle, proof, err := h.board.Seal(r.Context(), req.Value, req.Author, req.Destination)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("author", req.Author.Hex()).Msg("seal failed")
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(SealResp{Handle: handle, Proof: boardcrypto.EncodeHex(proof)})
}

// Reveal is the public decryption of finalized handles.
func (h *Hdl) Reveal(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	var req RevealReq
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Handles) == 0 || len(req.Handles) > maxRevealBatch {
		writeErr(w, errors.Wrapf(domain.ErrInvalidRequest, "want 1 to %d handles", maxRevealBatch), requestID)
		return
	}
	resp := RevealResp{Values: make(map[string]string, len(req.Handles))}
	for _, handle := range req.Handles {
		value, err := h.board.Reveal(r.Context(), handle)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Str("handle", util.RedactHandle(handle.Hex())).Msg("reveal failed")
			writeErr(w, err, requestID)
			return
		}
		resp.Values[handle.Hex()] = value
	}
	json.NewEncoder(w).Encode(resp)
}

// PostMessage appends a message. The author is whoever signed the request.
func (h *Hdl) PostMessage(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req PostReq
	if !h.decodeJSON(w, r, &req) {
		return
	}
	proof, err := boardcrypto.DecodeHex(req.Proof)
	if err != nil || len(proof) == 0 {
		writeErr(w, domain.ErrInvalidProof, requestID)
		return
	}
	sig, err := boardcrypto.DecodeHex(req.Signature)
	if err != nil {
		writeErr(w, domain.ErrInvalidSignature, requestID)
		return
	}
	author, err := boardcrypto.RecoverAddress(boardcrypto.PostDigest(req.Ciphertext, req.Handle[:], proof), sig)
	if err != nil {
		log.Warn().Err(err).Msg("signature recovery failed")
		writeErr(w, domain.ErrInvalidSignature, requestID)
		return
	}
	msg, err := h.board.Post(r.Context(), domain.PostParams{
		Author:     author,
		Ciphertext: req.Ciphertext,
		Handle:     req.Handle,
		Proof:      proof,
	})
	if err != nil {
		log.Warn().Err(err).Str("author", author.Hex()).Msg("post failed")
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(PostResp{ID: msg.ID})
}

func (h *Hdl) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.board.Messages(r.Context())
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	json.NewEncoder(w).Encode(msgs)
}

func (h *Hdl) GetMessage(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeErr(w, errors.Wrap(domain.ErrInvalidRequest, "message id"), requestID)
		return
	}
	msg, err := h.board.Message(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(msg)
}

func (h *Hdl) CountMessages(w http.ResponseWriter, r *http.Request) {
	n, err := h.board.Count(r.Context())
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	json.NewEncoder(w).Encode(CountResp{Count: n})
}

func (h *Hdl) Board(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(BoardResp{Address: h.board.Destination()})
}
