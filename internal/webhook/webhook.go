// Package webhook answers the telephony platform's inbound-call webhook with
// a markup document that connects the call to the media stream endpoint.
package webhook

import (
	"encoding/xml"
	"net/http"
	"strings"

	"github.com/MrWong99/callbridge/internal/observe"
)

// Stream parameters embedded in the markup and echoed back in the start
// event's customParameters.
const (
	ParamLookupKey = "lookup_key"
	ParamCallSID   = "call_sid"
	ParamCaller    = "caller"
)

// DefaultStreamPath is the media stream path used when the stream URL is
// derived from the request host.
const DefaultStreamPath = "/media-stream"

// Config controls the generated markup.
type Config struct {
	// StreamURL is the public wss:// URL of the media stream endpoint. When
	// empty it is derived from the request's Host header.
	StreamURL string

	// Say is spoken to the caller before the stream connects. Empty skips it.
	Say string

	// SayVoice selects the platform voice for Say.
	SayVoice string
}

// Handler serves the inbound-call webhook.
type Handler struct {
	cfg Config
}

// New returns a webhook handler.
func New(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

type response struct {
	XMLName xml.Name `xml:"Response"`
	Say     *say     `xml:"Say,omitempty"`
	Connect connect  `xml:"Connect"`
}

type say struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type connect struct {
	Stream stream `xml:"Stream"`
}

type stream struct {
	URL        string      `xml:"url,attr"`
	Parameters []parameter `xml:"Parameter"`
}

type parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// ServeHTTP implements http.Handler. It accepts POST (form body) and GET
// (query string) webhooks.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := observe.Logger(r.Context())
	if err := r.ParseForm(); err != nil {
		log.Warn("webhook: bad form body", "err", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	callSID := r.Form.Get("CallSid")
	from := r.Form.Get("From")
	to := r.Form.Get("To")

	doc := response{Connect: connect{Stream: stream{URL: h.streamURL(r)}}}
	if h.cfg.Say != "" {
		doc.Say = &say{Voice: h.cfg.SayVoice, Text: h.cfg.Say}
	}
	params := []parameter{
		{Name: ParamLookupKey, Value: to},
		{Name: ParamCallSID, Value: callSID},
		{Name: ParamCaller, Value: from},
	}
	for _, p := range params {
		if p.Value != "" {
			doc.Connect.Stream.Parameters = append(doc.Connect.Stream.Parameters, p)
		}
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		log.Error("webhook: marshal response", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	log.Info("inbound call", "call_sid", callSID, "from", from, "to", to)

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write([]byte(xml.Header))
	if _, err := w.Write(out); err != nil {
		log.Debug("webhook: write response", "err", err)
	}
}

func (h *Handler) streamURL(r *http.Request) string {
	if h.cfg.StreamURL != "" {
		return h.cfg.StreamURL
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return "wss://" + strings.TrimSuffix(host, "/") + DefaultStreamPath
}
