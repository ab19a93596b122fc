package http

import (
	"encoding/json"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/kjstillabower/synocast/internal/observability"
)

const formatMsgpack = "msgpack"

func wantsMsgpack(r *http.Request) bool {
	return r.URL.Query().Get("format") == formatMsgpack
}

// writeResponse encodes v as JSON, or as MessagePack when ?format=msgpack.
// MessagePack reuses the json struct tags so both encodings share field names.
func writeResponse(w http.ResponseWriter, r *http.Request, status int, v any) {
	if wantsMsgpack(r) {
		w.Header().Set("Content-Type", "application/x-msgpack")
		w.WriteHeader(status)
		enc := msgpack.NewEncoder(w)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(v); err != nil {
			observability.LoggerFromContext(r.Context()).Warn("encode msgpack response", zap.Error(err))
		}
		return
	}
	writeJSON(w, status, v)
}

// writeRawJSON writes pre-encoded JSON. For MessagePack the document is decoded
// first so embedded upstream payloads become maps instead of opaque bytes.
func writeRawJSON(w http.ResponseWriter, r *http.Request, status int, doc []byte) {
	if wantsMsgpack(r) {
		var data any
		if err := json.Unmarshal(doc, &data); err != nil {
			writeError(w, r, http.StatusInternalServerError, "ENCODING_FAILED", "unable to encode response")
			return
		}
		writeResponse(w, r, status, data)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(doc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

// writeError writes the standard error envelope with the request correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeResponse(w, r, status, errorBody{Error: errorDetail{
		Code:      code,
		Message:   message,
		RequestID: observability.CorrelationIDFromContext(r.Context()),
	}})
}
