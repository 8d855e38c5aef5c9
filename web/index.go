// Package web renders the HTML pages shown to people whose comment
// submissions were rejected.
package web

import (
	"github.com/a-h/templ"

	"github.com/TecharoHQ/commenthash/lib/localization"
)

func Base(title string, body templ.Component, localizer *localization.SimpleLocalizer) templ.Component {
	return base(title, body, localizer)
}

// ErrorPage explains that msg went wrong. mail is the webmaster's address and
// may be empty.
func ErrorPage(msg string, mail string, localizer *localization.SimpleLocalizer) templ.Component {
	return errorPage(msg, mail, localizer)
}

// Rejection is the page for a comment that failed verification. It never
// says which check failed.
func Rejection(mail string, localizer *localization.SimpleLocalizer) templ.Component {
	return Base(localizer.T("rejection_title"), rejection(mail, localizer), localizer)
}
