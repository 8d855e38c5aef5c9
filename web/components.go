package web

import (
	"context"
	"io"

	"github.com/a-h/templ"

	"github.com/TecharoHQ/commenthash"
	"github.com/TecharoHQ/commenthash/lib/localization"
)

const style = `body{font-family:system-ui,sans-serif;max-width:40rem;margin:2rem auto;padding:0 1rem;line-height:1.5}` +
	`footer{margin-top:3rem;font-size:.85rem;color:#666}`

type writer struct {
	w   io.Writer
	err error
}

func (wr *writer) raw(s string) {
	if wr.err != nil {
		return
	}
	_, wr.err = io.WriteString(wr.w, s)
}

func (wr *writer) text(s string) {
	wr.raw(templ.EscapeString(s))
}

func base(title string, body templ.Component, localizer *localization.SimpleLocalizer) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		wr := &writer{w: w}

		wr.raw(`<!doctype html><html><head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><meta name="robots" content="noindex"><title>`)
		wr.text(title)
		wr.raw(`</title><style>` + style + `</style></head><body><main><h1>`)
		wr.text(title)
		wr.raw(`</h1>`)
		if wr.err != nil {
			return wr.err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		wr.raw(`</main><footer><p>`)
		wr.text(localizer.T("protected_by"))
		wr.raw(` commenthash `)
		wr.text(commenthash.Version)
		wr.raw(`</p></footer></body></html>`)

		return wr.err
	})
}

func errorPage(msg string, mail string, localizer *localization.SimpleLocalizer) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		wr := &writer{w: w}

		wr.raw(`<p id="error-message">`)
		wr.text(msg)
		wr.raw(`</p>`)
		webmaster(wr, mail, localizer)

		return wr.err
	})
}

func rejection(mail string, localizer *localization.SimpleLocalizer) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		wr := &writer{w: w}

		wr.raw(`<p id="error-message">`)
		wr.text(localizer.T("validation_failed"))
		wr.raw(`</p><p>`)
		wr.text(localizer.T("rejection_explanation"))
		wr.raw(`</p><p>`)
		wr.text(localizer.T("try_again"))
		wr.raw(`</p><noscript><p>`)
		wr.text(localizer.T("javascript_required"))
		wr.raw(`</p></noscript>`)
		webmaster(wr, mail, localizer)

		return wr.err
	})
}

func webmaster(wr *writer, mail string, localizer *localization.SimpleLocalizer) {
	if mail == "" {
		return
	}

	wr.raw(`<p>`)
	wr.text(localizer.T("contact_webmaster"))
	wr.raw(` <a href="`)
	wr.text(string(templ.URL("mailto:" + mail)))
	wr.raw(`">`)
	wr.text(mail)
	wr.raw(`</a>.</p>`)
}
