package mail

import (
	"io"
	"mime/quotedprintable"
	"strings"
)

func writeQuotedPrintable(w io.Writer, text string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := io.Copy(qp, strings.NewReader(crlf(text))); err != nil {
		return err
	}
	return qp.Close()
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
