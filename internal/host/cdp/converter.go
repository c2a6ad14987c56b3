package cdp

import (
	"encoding/json"

	"github.com/mafredri/cdp/protocol/fetch"

	"bassethound/internal/rules"
	"bassethound/pkg/traffic"
)

// toTrafficRequest converts a paused CDP event into the neutral request
// model the rule engine evaluates.
func toTrafficRequest(ev *fetch.RequestPausedReply) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method
	req.ResourceType = string(ev.ResourceType)

	var headers map[string]string
	if len(ev.Request.Headers) > 0 {
		if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
			for k, v := range headers {
				req.Headers.Set(k, v)
			}
		}
	}
	return req
}

// continueArgs builds the ContinueRequest arguments for a disposition.
// A nil disposition releases the request untouched.
func continueArgs(ev *fetch.RequestPausedReply, d *rules.Disposition) *fetch.ContinueRequestArgs {
	args := &fetch.ContinueRequestArgs{RequestID: ev.RequestID}
	if d == nil {
		return args
	}
	if d.RedirectURL != "" {
		u := d.RedirectURL
		args.URL = &u
	}
	if len(d.SetHeaders) > 0 || len(d.RemoveHeaders) > 0 {
		merged := toTrafficRequest(ev).Headers
		for _, name := range d.RemoveHeaders {
			merged.Del(name)
		}
		for k, v := range d.SetHeaders {
			merged.Set(k, v)
		}
		args.Headers = toHeaderEntries(merged)
	}
	return args
}

// fulfillArgs builds the synthetic response for a mock disposition.
func fulfillArgs(ev *fetch.RequestPausedReply, res *traffic.Response) *fetch.FulfillRequestArgs {
	args := &fetch.FulfillRequestArgs{
		RequestID:    ev.RequestID,
		ResponseCode: res.StatusCode,
	}
	if len(res.Headers) > 0 {
		args.ResponseHeaders = toHeaderEntries(res.Headers)
	}
	if len(res.Body) > 0 {
		args.Body = res.Body
	}
	return args
}

func toHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	out := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		out = append(out, fetch.HeaderEntry{Name: k, Value: v})
	}
	return out
}
