package main

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

// Content is the subject and bodies sent to every recipient.
type Content struct {
	Subject string
	Text    string
	HTML    string
}

const defaultSubject = "AI assisted content update for your team"

const defaultHTMLBody = `<!doctype html>
<html lang="en">
  <body style="font-family: Arial, Helvetica, sans-serif; color:#111; line-height:1.6; font-size:16px; background-color:#ffffff; margin:0; padding:0;">
    <div style="max-width:640px; margin:auto; padding:20px;">
      <p>Hello,</p>
      <p>we use AI assisted content workflows and this email is part of a scheduled batch that shares a new draft article or update.</p>
      <p>You can treat this message as a starting point, adjust the content to your own voice and context, and then publish it through your usual channels.</p>
      <p>If you did not expect this message, or if you do not want to receive similar emails in the future, please reply so that we can remove your address from this list.</p>
      <p>Best regards,<br>The content automation team</p>
    </div>
  </body>
</html>
`

// layout wraps rendered markdown in the same shell as the built-in body.
var layout = template.Must(template.New("layout").Parse(`<!doctype html>
<html lang="en">
  <body style="font-family: Arial, Helvetica, sans-serif; color:#111; line-height:1.6; font-size:16px; background-color:#ffffff; margin:0; padding:0;">
    <div style="max-width:640px; margin:auto; padding:20px;">
{{.}}
    </div>
  </body>
</html>
`))

var (
	md          = goldmark.New()
	stripPolicy *bluemonday.Policy
	stripOnce   sync.Once
)

// LoadContent resolves the message content. A markdown body file wins over
// the inline bodies; a missing plain-text body is derived from the HTML.
func LoadContent(cfg *Config) (Content, error) {
	c := Content{
		Subject: coalesce(cfg.Subject, defaultSubject),
		Text:    cfg.TextBody,
		HTML:    coalesce(cfg.HTMLBody, defaultHTMLBody),
	}
	if cfg.BodyFile != "" {
		src, err := os.ReadFile(cfg.BodyFile)
		if err != nil {
			return Content{}, fmt.Errorf("body file: %w", err)
		}
		htmlBody, err := renderMarkdown(src)
		if err != nil {
			return Content{}, fmt.Errorf("body file %s: %w", cfg.BodyFile, err)
		}
		c.HTML = htmlBody
		c.Text = strings.TrimSpace(string(src)) + "\n"
	}
	if c.Text == "" {
		c.Text = plainText(c.HTML)
	}
	return c, nil
}

// Message addresses the content to one recipient.
func (c Content) Message(to, bcc string) Message {
	return Message{To: to, Subject: c.Subject, Text: c.Text, HTML: c.HTML, BCC: bcc}
}

func renderMarkdown(src []byte) (string, error) {
	var body bytes.Buffer
	if err := md.Convert(src, &body); err != nil {
		return "", fmt.Errorf("markdown: %w", err)
	}
	var out bytes.Buffer
	if err := layout.Execute(&out, template.HTML(body.String())); err != nil {
		return "", fmt.Errorf("layout: %w", err)
	}
	return out.String(), nil
}

var (
	blockEnd   = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|blockquote)>|<br\s*/?>`)
	blankLines = regexp.MustCompile(`\n{3,}`)
	hSpace     = regexp.MustCompile(`[ \t]+`)
)

// plainText strips all markup from s, keeping paragraph breaks.
func plainText(s string) string {
	stripOnce.Do(func() { stripPolicy = bluemonday.StrictPolicy() })

	s = blockEnd.ReplaceAllStringFunc(s, func(tag string) string {
		if strings.HasPrefix(strings.ToLower(tag), "<br") {
			return "\n"
		}
		return "\n\n"
	})
	s = html.UnescapeString(stripPolicy.Sanitize(s))

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(hSpace.ReplaceAllString(l, " "))
	}
	s = blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(s) + "\n"
}
