package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bassethound/pkg/model"
)

// DOM interaction ops are built on Runtime.Evaluate rather than the DOM
// domain: one round trip per operation, and the page sees the same
// synthetic events a user interaction would produce.

const clickExpr = `(() => {
	const el = document.querySelector(%s);
	if (!el) return { found: false };
	el.click();
	return { found: true };
})()`

// Click dispatches a click on the first element matching the selector.
func (h *Host) Click(ctx context.Context, id model.TargetID, selector string) error {
	sel, err := json.Marshal(selector)
	if err != nil {
		return err
	}
	raw, err := h.Evaluate(ctx, id, fmt.Sprintf(clickExpr, sel))
	if err != nil {
		return err
	}
	var out struct {
		Found bool `json:"found"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	if !out.Found {
		return fmt.Errorf("no element matches selector %q", selector)
	}
	return nil
}

const fillFormExpr = `((fields, submit) => {
	const results = {};
	let form = null;
	for (const [sel, value] of Object.entries(fields)) {
		const el = document.querySelector(sel);
		if (!el) { results[sel] = false; continue; }
		if (el.type === 'checkbox' || el.type === 'radio') {
			el.checked = Boolean(value);
		} else {
			el.value = String(value);
		}
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
		if (!form && el.form) form = el.form;
		results[sel] = true;
	}
	let submitted = false;
	if (submit && form) { form.submit(); submitted = true; }
	return { fields: results, submitted: submitted };
})(%s, %t)`

// FillForm sets each selector's element to its value, firing input and
// change events, and optionally submits the enclosing form. The result
// reports per-field success so a partially matching fill is visible to
// the controller.
func (h *Host) FillForm(ctx context.Context, id model.TargetID, fields map[string]any, submit bool) (json.RawMessage, error) {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return h.Evaluate(ctx, id, fmt.Sprintf(fillFormExpr, encoded, submit))
}

const elementInfoExpr = `(() => {
	const el = document.querySelector(%s);
	if (!el) return null;
	const r = el.getBoundingClientRect();
	return {
		found: true,
		tag: el.tagName.toLowerCase(),
		id: el.id || '',
		visible: !!(r.width || r.height),
		text: (el.textContent || '').trim().slice(0, 200),
	};
})()`

// WaitForElement polls the page until the selector matches or ctx ends.
// The command deadline is the timeout; on expiry the dispatcher answers
// with TARGET_TIMEOUT.
func (h *Host) WaitForElement(ctx context.Context, id model.TargetID, selector string) (json.RawMessage, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return nil, err
	}
	expr := fmt.Sprintf(elementInfoExpr, sel)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		raw, err := h.Evaluate(ctx, id, expr)
		if err != nil {
			return nil, err
		}
		if string(raw) != "null" {
			return raw, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

const pageStateExpr = `(() => {
	const describe = (el) => ({
		selector: el.id ? '#' + el.id : (el.name ? '[name="' + el.name + '"]' : el.tagName.toLowerCase()),
		name: el.name || '',
		type: el.type || el.tagName.toLowerCase(),
		label: (el.labels && el.labels[0]) ? el.labels[0].textContent.trim() : '',
		placeholder: el.placeholder || '',
		required: !!el.required,
	});
	const isField = (el) =>
		el.tagName !== 'FIELDSET' && el.type !== 'submit' && el.type !== 'button';
	return {
		url: window.location.href,
		title: document.title,
		forms: Array.from(document.forms).map((f) => ({
			id: f.id || '',
			name: f.name || '',
			action: f.action || '',
			method: (f.method || 'get').toUpperCase(),
			fields: Array.from(f.elements).filter(isField).map(describe),
		})),
		links: Array.from(document.links).slice(0, 200).map((a) => ({
			href: a.href,
			text: (a.textContent || '').trim().slice(0, 100),
		})),
		buttons: Array.from(document.querySelectorAll('button, input[type="submit"], input[type="button"]')).map((b) => ({
			text: (b.textContent || b.value || '').trim().slice(0, 100),
			type: b.type || 'button',
		})),
		inputs: Array.from(document.querySelectorAll('input, select, textarea')).map(describe),
	};
})()`

// PageState reports the page's forms, links, buttons and inputs, the
// shape automation clients use to plan a fill before issuing one.
func (h *Host) PageState(ctx context.Context, id model.TargetID) (json.RawMessage, error) {
	return h.Evaluate(ctx, id, pageStateExpr)
}
