package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"

	"bassethound/pkg/model"
)

// Navigate loads the URL in the target and waits for the load event.
// Returns the URL the page actually landed on.
func (h *Host) Navigate(ctx context.Context, id model.TargetID, url string) (string, error) {
	s, err := h.session(id)
	if err != nil {
		return "", err
	}
	loadFired, err := s.client.Page.LoadEventFired(ctx)
	if err != nil {
		return "", err
	}
	defer loadFired.Close()

	nav, err := s.client.Page.Navigate(ctx, page.NewNavigateArgs(url))
	if err != nil {
		return "", err
	}
	if nav.ErrorText != nil && *nav.ErrorText != "" {
		return "", fmt.Errorf("navigation failed: %s", *nav.ErrorText)
	}
	if _, err := loadFired.Recv(); err != nil {
		return "", err
	}

	raw, err := h.Evaluate(ctx, id, "window.location.href")
	if err != nil {
		return url, nil
	}
	var finalURL string
	if err := json.Unmarshal(raw, &finalURL); err != nil {
		return url, nil
	}
	return finalURL, nil
}

// Evaluate runs an expression in the page and returns its JSON value.
func (h *Host) Evaluate(ctx context.Context, id model.TargetID, expression string) (json.RawMessage, error) {
	s, err := h.session(id)
	if err != nil {
		return nil, err
	}
	reply, err := s.client.Runtime.Evaluate(ctx, runtime.NewEvaluateArgs(expression).SetReturnByValue(true))
	if err != nil {
		return nil, err
	}
	if reply.ExceptionDetails != nil {
		msg := reply.ExceptionDetails.Text
		if reply.ExceptionDetails.Exception != nil && reply.ExceptionDetails.Exception.Description != nil {
			msg = *reply.ExceptionDetails.Exception.Description
		}
		return nil, fmt.Errorf("script exception: %s", msg)
	}
	if reply.Result.Value == nil {
		return json.RawMessage("null"), nil
	}
	return reply.Result.Value, nil
}

// Screenshot captures the visible viewport and returns a data URL.
func (h *Host) Screenshot(ctx context.Context, id model.TargetID, format string, quality int) (string, error) {
	s, err := h.session(id)
	if err != nil {
		return "", err
	}
	format = strings.ToLower(format)
	if format == "" {
		format = "png"
	}
	args := page.NewCaptureScreenshotArgs().SetFormat(format)
	if format == "jpeg" && quality > 0 {
		args = args.SetQuality(quality)
	}
	reply, err := s.client.Page.CaptureScreenshot(ctx, args)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("data:image/%s;base64,%s", format, base64.StdEncoding.EncodeToString(reply.Data)), nil
}

// Cookies returns cookies visible to the target, optionally scoped to a
// URL.
func (h *Host) Cookies(ctx context.Context, id model.TargetID, url string) ([]model.Cookie, error) {
	s, err := h.session(id)
	if err != nil {
		return nil, err
	}
	args := network.NewGetCookiesArgs()
	if url != "" {
		args = args.SetURLs([]string{url})
	}
	reply, err := s.client.Network.GetCookies(ctx, args)
	if err != nil {
		return nil, err
	}
	out := make([]model.Cookie, 0, len(reply.Cookies))
	for _, c := range reply.Cookies {
		out = append(out, model.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	return out, nil
}

// CreateTarget opens a new page; the watch loop attaches it and reports
// readiness through the normal lifecycle.
func (h *Host) CreateTarget(ctx context.Context, url string) (model.TargetID, error) {
	if url == "" {
		url = "about:blank"
	}
	t, err := h.dt.CreateURL(ctx, url)
	if err != nil {
		return "", err
	}
	return model.TargetID(t.ID), nil
}

// CloseTarget asks the browser to close the page; teardown is observed
// by the watch loop.
func (h *Host) CloseTarget(ctx context.Context, id model.TargetID) error {
	return h.dt.Close(ctx, &devtool.Target{ID: string(id)})
}
