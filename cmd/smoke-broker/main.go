package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"tokenbroker.org/internal/broker"
	"tokenbroker.org/internal/document"
	"tokenbroker.org/internal/ids"
)

// SmokeCheck is the document written and read back by each run.
type SmokeCheck struct {
	Run       string    `json:"run"`
	CheckedAt time.Time `json:"checkedAt"`
}

type smoke struct {
	base   string
	bearer string
	client *http.Client
}

func main() {
	log.SetFlags(0)
	flags := pflag.NewFlagSet("smoke-broker", pflag.ExitOnError)
	base := flags.String("url", envOr("BROKER_SMOKE_URL", "http://localhost:8080"), "broker base URL")
	bearer := flags.String("token", os.Getenv("BROKER_SMOKE_TOKEN"), "identity provider access token")
	_ = flags.Parse(os.Args[1:])

	if *bearer == "" {
		log.Fatal("missing access token: provide via --token or BROKER_SMOKE_TOKEN")
	}
	s := &smoke{base: strings.TrimRight(*base, "/"), bearer: *bearer, client: &http.Client{Timeout: 10 * time.Second}}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.call(ctx, http.MethodGet, "/healthz", nil, nil); err != nil {
		log.Fatalf("healthz: %v", err)
	}

	first, err := s.issue(ctx)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	second, err := s.issue(ctx)
	if err != nil {
		log.Fatalf("issue token again: %v", err)
	}
	if first.Token != second.Token {
		log.Fatal("repeat request returned a different token")
	}
	if first.UserID == "" {
		log.Fatal("token response carries no user id")
	}

	check := document.Envelope[SmokeCheck]{
		PartitionKey: first.UserID,
		Payload:      SmokeCheck{Run: ids.New(), CheckedAt: time.Now().UTC().Truncate(time.Second)},
	}
	body, err := json.Marshal(check)
	if err != nil {
		log.Fatalf("encode document: %v", err)
	}
	path := "/v1/documents/" + url.PathEscape(document.TypeName[SmokeCheck]()) + "?partitionKey=" + url.QueryEscape(first.UserID)
	headers := map[string]string{"ResourceToken": first.Token}
	raw, err := s.call(ctx, http.MethodPut, path, body, headers)
	if err != nil {
		log.Fatalf("upsert document: %v", err)
	}
	var saved document.Envelope[SmokeCheck]
	if err := json.Unmarshal(raw, &saved); err != nil {
		log.Fatalf("decode saved document: %v", err)
	}
	if saved.ID == "" || saved.Payload.Run != check.Payload.Run {
		log.Fatalf("saved document does not echo the payload: %+v", saved)
	}

	raw, err = s.call(ctx, http.MethodGet, path, nil, headers)
	if err != nil {
		log.Fatalf("query documents: %v", err)
	}
	var listed struct {
		Documents []document.Envelope[SmokeCheck] `json:"documents"`
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		log.Fatalf("decode documents: %v", err)
	}
	found := false
	for _, d := range listed.Documents {
		if d.ID == saved.ID && d.Payload.Run == check.Payload.Run {
			found = true
			break
		}
	}
	if !found {
		log.Fatalf("document %s missing from partition %s", saved.ID, first.UserID)
	}

	fmt.Printf("✅ broker smoke test passed: user=%s document=%s expires=%s\n",
		first.UserID, saved.ID, time.Unix(first.Expires, 0).UTC().Format(time.RFC3339))
}

func (s *smoke) issue(ctx context.Context) (broker.IssuedToken, error) {
	var out broker.IssuedToken
	raw, err := s.call(ctx, http.MethodPost, "/v1/token", nil, map[string]string{"Authorization": "Bearer " + s.bearer})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode token: %w", err)
	}
	if out.Token == "" {
		return out, fmt.Errorf("empty token in response")
	}
	return out, nil
}

func (s *smoke) call(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
