package email

import (
	"bytes"
	"html/template"
	"strings"

	"termin-notifier/notify"
)

var notificationTmpl = template.Must(template.New("notification").Parse(`<!DOCTYPE html>
<html lang="de">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; background: #fff; }
h1 { font-size: 1.3em; border-bottom: 2px solid #c0392b; padding-bottom: 8px; }
.line { margin: 4px 0; }
.book { display: inline-block; margin-top: 16px; padding: 10px 18px; background: #c0392b; color: #fff; border-radius: 6px; text-decoration: none; }
.footer { margin-top: 24px; font-size: 0.85em; color: #7f8c8d; }
@media (prefers-color-scheme: dark) {
body { background: #1a1a1a; color: #e0e0e0; }
.footer { color: #a0a0a0; }
}
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Lines}}<p class="line">{{.}}</p>
{{end}}{{if .URL}}<a class="book" href="{{.URL}}">Termin buchen</a>
{{end}}<div class="footer">{{.Tag}}</div>
</body>
</html>`))

type view struct {
	Title string
	Lines []string
	URL   string
	Tag   string
}

// render builds the HTML body. html/template escapes every field and
// rejects unsafe URL schemes.
func render(n notify.Notification) (string, error) {
	var lines []string
	for _, l := range strings.Split(n.Body, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}

	var b bytes.Buffer
	err := notificationTmpl.Execute(&b, view{Title: n.Title, Lines: lines, URL: n.URL, Tag: n.Tag})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}
