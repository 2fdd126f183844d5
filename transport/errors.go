package transport

import (
	"encoding/json"
	"net/http"
)

// JSON-RPC error codes used by the transport.
const (
	CodeBadSession    = -32000
	CodeParseError    = -32700
	CodeInternalError = -32603
)

const (
	msgBadSession    = "Bad Request: Invalid or missing session"
	msgBadSessionID  = "Invalid or missing session ID"
	msgInternalError = "Internal error"
)

type errorDetails struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	JSONRPC string       `json:"jsonrpc"`
	Error   errorDetails `json:"error"`
	ID      interface{}  `json:"id"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeRPCError writes a JSON-RPC error object with a null id.
func writeRPCError(w http.ResponseWriter, status int, code int, message string) {
	writeJSON(w, status, errorBody{
		JSONRPC: "2.0",
		Error:   errorDetails{Code: code, Message: message},
		ID:      nil,
	})
}
