package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nbd-wtf/go-nostr"
)

// KindAPIRequest is the event kind carrying authenticated API requests. The
// request payload rides in the event content; the signature is the auth.
const KindAPIRequest = 21111

const maxRequestBody = 64 << 10

// parseSignedEvent decodes the request body as a Nostr event and verifies
// its kind and signature.
func parseSignedEvent(r *http.Request) (*nostr.Event, error) {
	var ev nostr.Event
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&ev); err != nil {
		return nil, errors.New("invalid request body")
	}
	if ev.Kind != KindAPIRequest {
		return nil, errors.New("invalid event: must be of kind 21111")
	}
	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		return nil, errors.New("invalid event signature")
	}
	return &ev, nil
}

// tagValue returns the first value of the named tag, or "".
func tagValue(ev *nostr.Event, name string) string {
	for _, t := range ev.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}
