package devserver

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
)

// NewProxyRequest builds the API Gateway proxy event for an incoming
// request. The shape must stay stable across reloads; handlers depend on it.
func NewProxyRequest(r *http.Request, m *Match, body []byte, stage string) events.APIGatewayProxyRequest {
	headers := make(map[string]string, len(r.Header))
	multiHeaders := make(map[string][]string, len(r.Header))
	for k, vs := range r.Header {
		key := strings.ToLower(k)
		headers[key] = strings.Join(vs, ",")
		multiHeaders[key] = vs
	}
	if r.Host != "" {
		headers["host"] = r.Host
		multiHeaders["host"] = []string{r.Host}
	}

	query := r.URL.Query()
	params := make(map[string]string, len(query))
	multiParams := make(map[string][]string, len(query))
	for k, vs := range query {
		params[k] = vs[len(vs)-1]
		multiParams[k] = vs
	}

	evt := events.APIGatewayProxyRequest{
		Resource:                        m.Route.Path,
		Path:                            r.URL.Path,
		HTTPMethod:                      r.Method,
		Headers:                         headers,
		MultiValueHeaders:               multiHeaders,
		QueryStringParameters:           params,
		MultiValueQueryStringParameters: multiParams,
		PathParameters:                  m.Params,
		StageVariables:                  map[string]string{},
		RequestContext: events.APIGatewayProxyRequestContext{
			AccountID:        "offline",
			ResourceID:       m.Name,
			Stage:            stage,
			RequestID:        uuid.NewString(),
			Protocol:         r.Proto,
			ResourcePath:     m.Route.Path,
			HTTPMethod:       r.Method,
			Path:             r.URL.Path,
			RequestTime:      time.Now().UTC().Format("02/Jan/2006:15:04:05 -0700"),
			RequestTimeEpoch: time.Now().UnixMilli(),
			Identity: events.APIGatewayRequestIdentity{
				SourceIP:  clientIP(r),
				UserAgent: r.UserAgent(),
				APIKey:    r.Header.Get("x-api-key"),
			},
		},
	}
	if len(body) > 0 {
		if utf8.Valid(body) {
			evt.Body = string(body)
		} else {
			evt.Body = base64.StdEncoding.EncodeToString(body)
			evt.IsBase64Encoded = true
		}
	}
	return evt
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}

// WriteProxyResponse writes a handler result. A proxy-shaped result (one
// with a statusCode) sets status, headers and body; any other JSON value is
// sent as a 200 JSON body.
func WriteProxyResponse(w http.ResponseWriter, raw json.RawMessage) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil || probe["statusCode"] == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, err := w.Write(raw)
		return err
	}

	var resp events.APIGatewayProxyResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	for k, vs := range resp.MultiValueHeaders {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}

	body := []byte(resp.Body)
	if resp.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			return err
		}
		body = decoded
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	w.WriteHeader(resp.StatusCode)
	_, err := w.Write(body)
	return err
}
