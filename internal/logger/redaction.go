package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// secretRule masks one shape of credential. Labelled rules capture the field name and
// separator as groups 1 and 2 and keep them.
type secretRule struct {
	re          *regexp.Regexp
	replacement []byte
}

func bareSecret(expr string) secretRule {
	return secretRule{re: regexp.MustCompile(expr), replacement: []byte(redacted)}
}

func labelledSecret(expr string) secretRule {
	return secretRule{re: regexp.MustCompile(expr), replacement: []byte("${1}${2}" + redacted)}
}

// Redactor masks provider credentials in log output
type Redactor struct {
	rules []secretRule
}

// NewRedactor knows the key formats of the supported providers plus common secret fields.
func NewRedactor() *Redactor {
	return &Redactor{rules: []secretRule{
		// sk-ant- must run before the generic sk- rule
		bareSecret(`sk-ant-[a-zA-Z0-9_-]{20,}`),
		bareSecret(`sk-(?:proj-)?[a-zA-Z0-9_-]{20,}`),
		bareSecret(`AIza[0-9A-Za-z_-]{35}`),
		bareSecret(`Bearer\s+[a-zA-Z0-9._~+/=-]+`),
		labelledSecret(`(?i)(x-api-key|x-goog-api-key|api[_-]?key)(["\s:=]+)[^\s"&]+`),
		labelledSecret(`(password)(["\s:=]+)[^\s"]+`),
		labelledSecret(`(token)(["\s:=]+)[a-zA-Z0-9._-]{20,}`),
		labelledSecret(`(secret)(["\s:=]+)[^\s"]+`),
	}}
}

// AddPattern masks every match of pattern entirely
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, secretRule{re: re, replacement: []byte(redacted)})
	return nil
}

// Redact returns s with secrets masked
func (r *Redactor) Redact(s string) string {
	return string(r.redact([]byte(s)))
}

func (r *Redactor) redact(b []byte) []byte {
	for _, rule := range r.rules {
		b = rule.re.ReplaceAll(b, rule.replacement)
	}
	return b
}

// Wrap returns a writer that masks secrets before writing to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return redactingWriter{next: w, redactor: r}
}

type redactingWriter struct {
	next     io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog never sees a short write after masking.
func (w redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.next.Write(w.redactor.redact(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
