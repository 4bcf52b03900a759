package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// SigningService is the SigV4 service name of the managed agent runtime.
const SigningService = "bedrock-agentcore"

// DefaultQualifier selects the runtime endpoint to invoke.
const DefaultQualifier = "DEFAULT"

// SigV4Transport signs every request with AWS Signature Version 4.
type SigV4Transport struct {
	Base        http.RoundTripper
	Credentials aws.CredentialsProvider
	Region      string
	Service     string

	signer *v4.Signer
	now    func() time.Time
}

// NewSigV4Transport signs requests for service in region.
func NewSigV4Transport(creds aws.CredentialsProvider, region, service string) *SigV4Transport {
	return &SigV4Transport{
		Base:        http.DefaultTransport,
		Credentials: creds,
		Region:      region,
		Service:     service,
		signer:      v4.NewSigner(),
		now:         time.Now,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *SigV4Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	signed := req.Clone(ctx)

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read body for signing: %w", err)
		}
		signed.Body = io.NopCloser(bytes.NewReader(body))
		signed.ContentLength = int64(len(body))
	}
	sum := sha256.Sum256(body)

	creds, err := t.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve aws credentials: %w", err)
	}
	if err := t.signer.SignHTTP(ctx, creds, signed, hex.EncodeToString(sum[:]), t.Service, t.Region, t.now()); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(signed)
}

// RuntimeURL returns the invocation URL of a managed runtime.
func RuntimeURL(region, runtimeARN, qualifier string) string {
	if qualifier == "" {
		qualifier = DefaultQualifier
	}
	escaped := strings.ReplaceAll(url.PathEscape(runtimeARN), ":", "%3A")
	escaped = strings.ReplaceAll(escaped, "/", "%2F")
	return fmt.Sprintf("https://%s.%s.amazonaws.com/runtimes/%s/invocations?qualifier=%s",
		SigningService, region, escaped, url.QueryEscape(qualifier))
}

// NewRuntime creates a client for the managed runtime identified by
// runtimeARN. Requests are signed with the default AWS credential chain.
func NewRuntime(ctx context.Context, runtimeARN, region string, opts ...Option) (*Client, error) {
	if runtimeARN == "" {
		return nil, fmt.Errorf("runtime ARN is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required to invoke %s", runtimeARN)
	}
	return NewRuntimeWithCredentials(cfg.Credentials, runtimeARN, cfg.Region, opts...), nil
}

// NewRuntimeWithCredentials is NewRuntime with explicit credentials.
func NewRuntimeWithCredentials(creds aws.CredentialsProvider, runtimeARN, region string, opts ...Option) *Client {
	transport := NewSigV4Transport(creds, region, SigningService)
	opts = append([]Option{WithHTTPClient(&http.Client{Transport: transport, Timeout: 10 * time.Minute})}, opts...)
	return newClient(RuntimeURL(region, runtimeARN, DefaultQualifier), opts...)
}
