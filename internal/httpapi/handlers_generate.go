package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/socratiq/aigate/internal/gateway"
)

// maxRequestBytes bounds the generation request body (4 MB).
const maxRequestBytes = 4 * 1024 * 1024

// GenerateHandler serves POST /v1/generate.
func GenerateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gateway.RequestContext
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}

		resp, err := d.Orchestrator.Generate(r.Context(), &req)
		if err != nil {
			writeGatewayError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// GenerateStreamHandler serves POST /v1/generate/stream, relaying the
// provider token stream to the client as Server-Sent Events terminated by a
// [DONE] sentinel.
func GenerateStreamHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		var req gateway.RequestContext
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}

		stream, err := d.Orchestrator.GenerateStream(r.Context(), &req)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		defer func() { _ = stream.Close() }()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		for {
			tok, recvErr := stream.Recv()
			if recvErr != nil {
				if !errors.Is(recvErr, io.EOF) {
					slog.Warn("token stream ended with error", slog.String("error", recvErr.Error()))
				}
				_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}

			payload, _ := json.Marshal(map[string]string{"token": tok})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()

			select {
			case <-r.Context().Done():
				return
			default:
			}
		}
	}
}
