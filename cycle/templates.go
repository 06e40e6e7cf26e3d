package cycle

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/warp/access-review/review"
)

const (
	DefaultSubjectTemplate = `Access review {{.CycleID}}: your decisions are due {{.DueDate}}`

	DefaultBodyTemplate = `Hello {{.RecipientName}},

{{if .Delegated}}You are reviewing on behalf of {{.ReviewerID}}.
{{end}}The attached worksheet lists {{.Rows}} access grant{{if ne .Rows 1}}s{{end}} for review cycle {{.CycleID}}.

For every row choose a verdict ({{.Vocabulary}}) and add a justification
where needed, then fill in "Reviewed by" on the sign_off sheet and send
the file back unchanged otherwise.

Please reply by {{.DueDate}} ({{.TimeZone}}).
`
)

// MailData is what subject and body templates can refer to.
type MailData struct {
	CycleID       review.CycleID
	WorksheetID   review.WorksheetID
	ReviewerID    string
	DelegateID    string
	Delegated     bool
	RecipientName string
	Rows          int
	DueAt         time.Time
	DueDate       string
	TimeZone      string
	Vocabulary    string
}

type templates struct {
	subject *template.Template
	body    *template.Template
}

func parseTemplates(subject, body string) (*templates, error) {
	if subject == "" {
		subject = DefaultSubjectTemplate
	}
	if body == "" {
		body = DefaultBodyTemplate
	}
	st, err := template.New("subject").Option("missingkey=error").Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("subject template: %w", err)
	}
	bt, err := template.New("body").Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("body template: %w", err)
	}
	return &templates{subject: st, body: bt}, nil
}

func (t *templates) render(data MailData) (subject, body string, err error) {
	var sb, bb bytes.Buffer
	if err := t.subject.Execute(&sb, data); err != nil {
		return "", "", err
	}
	if err := t.body.Execute(&bb, data); err != nil {
		return "", "", err
	}
	return sb.String(), bb.String(), nil
}
