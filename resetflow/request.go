package resetflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/template"
)

// maxBodyRead bounds how much of a response body is inspected.
const maxBodyRead = 64 << 10

func hasTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func render(name, text string, data TemplateData) (string, error) {
	if !hasTemplate(text) {
		return text, nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// response is the part of an HTTP response the checks look at.
type response struct {
	status int
	body   string
}

func (r *response) ok(expect int) bool {
	if expect != 0 {
		return r.status == expect
	}
	return r.status >= 200 && r.status < 300
}

// send renders req with data and performs it.
func send(ctx context.Context, client *http.Client, name string, req Request, data TemplateData) (*response, error) {
	target, err := render(name+".url", req.URL, data)
	if err != nil {
		return nil, fmt.Errorf("%s url: %w", name, err)
	}
	body, err := render(name+".body", req.Body, data)
	if err != nil {
		return nil, fmt.Errorf("%s body: %w", name, err)
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", name, stripURL(err))
	}
	for k, v := range req.Headers {
		value, err := render(name+".header", v, data)
		if err != nil {
			return nil, fmt.Errorf("%s header %s: %w", name, k, err)
		}
		httpReq.Header.Set(k, value)
	}
	if body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	return do(client, httpReq)
}

func get(ctx context.Context, client *http.Client, link string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, stripURL(err)
	}
	return do(client, req)
}

func do(client *http.Client, req *http.Request) (*response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, stripURL(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyRead))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", stripURL(err))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return &response{status: resp.StatusCode, body: string(body)}, nil
}

// stripURL drops the request URL from a *url.Error. Reset links carry the
// token, and error text ends up in check details.
func stripURL(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	return fmt.Errorf("%s: %w", strings.ToLower(ue.Op), ue.Err)
}
