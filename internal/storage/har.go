package storage

import (
	"encoding/json"
	"time"

	"bassethound/pkg/model"
)

// HAR 1.2 rendering of the traffic log. Only request-stage metadata is
// recorded, so response fields stay minimal; disposition and rule ID are
// carried as custom underscore fields.

type harFile struct {
	Log harLog `json:"log"`
}

type harLog struct {
	Version string     `json:"version"`
	Creator harCreator `json:"creator"`
	Entries []harEntry `json:"entries"`
}

type harCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type harEntry struct {
	StartedDateTime string      `json:"startedDateTime"`
	Time            float64     `json:"time"`
	Request         harRequest  `json:"request"`
	Response        harResponse `json:"response"`
	Cache           struct{}    `json:"cache"`
	Timings         harTimings  `json:"timings"`
	Disposition     string      `json:"_disposition,omitempty"`
	RuleID          string      `json:"_ruleId,omitempty"`
	ResourceType    string      `json:"_resourceType,omitempty"`
}

type harRequest struct {
	Method      string   `json:"method"`
	URL         string   `json:"url"`
	HTTPVersion string   `json:"httpVersion"`
	Headers     []harKV  `json:"headers"`
	QueryString []harKV  `json:"queryString"`
	Cookies     []harKV  `json:"cookies"`
	HeadersSize int      `json:"headersSize"`
	BodySize    int      `json:"bodySize"`
}

type harResponse struct {
	Status      int     `json:"status"`
	StatusText  string  `json:"statusText"`
	HTTPVersion string  `json:"httpVersion"`
	Headers     []harKV `json:"headers"`
	Cookies     []harKV `json:"cookies"`
	Content     struct {
		Size     int    `json:"size"`
		MimeType string `json:"mimeType"`
	} `json:"content"`
	RedirectURL string `json:"redirectURL"`
	HeadersSize int    `json:"headersSize"`
	BodySize    int    `json:"bodySize"`
}

type harKV struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type harTimings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

// ExportHAR renders the recorded traffic for a target (or everything
// when id is empty) as a HAR document.
func (s *Store) ExportHAR(id model.TargetID) ([]byte, error) {
	recs, _, err := s.Logs(id, 1000, 0)
	if err != nil {
		return nil, err
	}
	har := harFile{
		Log: harLog{
			Version: "1.2",
			Creator: harCreator{Name: "bassethound", Version: "1.0"},
			Entries: make([]harEntry, 0, len(recs)),
		},
	}
	// Logs returns newest first; HAR entries read naturally oldest first.
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		e := harEntry{
			StartedDateTime: r.StartedAt.UTC().Format(time.RFC3339Nano),
			Time:            r.DurationMS,
			Request: harRequest{
				Method:      r.Method,
				URL:         r.URL,
				HTTPVersion: "HTTP/1.1",
				Headers:     []harKV{},
				QueryString: []harKV{},
				Cookies:     []harKV{},
				HeadersSize: -1,
				BodySize:    -1,
			},
			Response: harResponse{
				HTTPVersion: "HTTP/1.1",
				Headers:     []harKV{},
				Cookies:     []harKV{},
				HeadersSize: -1,
				BodySize:    -1,
			},
			Timings:      harTimings{Wait: r.DurationMS},
			Disposition:  r.Disposition,
			RuleID:       r.RuleID,
			ResourceType: r.ResourceType,
		}
		har.Log.Entries = append(har.Log.Entries, e)
	}
	return json.Marshal(har)
}
