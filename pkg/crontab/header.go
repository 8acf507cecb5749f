package crontab

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// DefaultHeader is the header template written at the top of every managed
// crontab. Each output line is prefixed with HeaderPrefix.
const DefaultHeader = `This file was autogenerated at {{ now | date "2006-01-02 15:04:05" }} by converge.
While it can still be managed manually, it is definitely not recommended.
Note particularly that the comments starting with 'converge: ' should
not be deleted, as doing so could cause duplicate cron jobs.`

// headerData is the template context of a header.
type headerData struct {
	Target string
}

func parseHeader(text string) (*template.Template, error) {
	tmpl, err := template.New("header").Funcs(sprig.TxtFuncMap()).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid header template: %w", err)
	}
	return tmpl, nil
}

// renderHeader executes the template and prefixes every line.
func renderHeader(tmpl *template.Template, target string) ([]string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, headerData{Target: target}); err != nil {
		return nil, fmt.Errorf("render header: %w", err)
	}

	text := strings.TrimRight(buf.String(), "\n")
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.HasPrefix(line, HeaderPrefix) {
			lines[i] = line
			continue
		}
		if line == "" {
			lines[i] = HeaderPrefix
			continue
		}
		lines[i] = HeaderPrefix + " " + line
	}
	return lines, nil
}
