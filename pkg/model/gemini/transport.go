package gemini

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/nstogner/evo/pkg/logging"
)

// LevelTrace logs the raw HTTP traffic with the model.
const LevelTrace = logging.LevelTrace

type loggingTransport struct {
	base http.RoundTripper
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !slog.Default().Enabled(req.Context(), LevelTrace) {
		return t.base.RoundTrip(req)
	}

	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		slog.Debug("Failed to dump Gemini request", "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "Gemini REST Request", "url", req.URL.String(), "dump", redact(string(reqDump)))
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	// Streaming bodies are not dumped; reading them here would block the caller.
	isStream := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") ||
		strings.Contains(req.URL.Query().Get("alt"), "sse")

	respDump, err := httputil.DumpResponse(resp, !isStream)
	if err != nil {
		slog.Debug("Failed to dump Gemini response", "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "Gemini REST Response", "isStream", isStream, "dump", string(respDump))
	}
	return resp, nil
}

// redact hides the API key header in request dumps.
func redact(dump string) string {
	lines := strings.Split(dump, "\r\n")
	for i, l := range lines {
		if strings.HasPrefix(strings.ToLower(l), "x-goog-api-key:") {
			lines[i] = "X-Goog-Api-Key: [redacted]"
		}
	}
	return strings.Join(lines, "\r\n")
}
