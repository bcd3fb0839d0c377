// Package openai provides an embeddings provider backed by the OpenAI API or
// any server that implements the /v1/embeddings route (Ollama, vLLM, LM
// Studio, ...).
package openai

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/toolrelay/pkg/provider/embeddings"
)

// DefaultModel is the default OpenAI embeddings model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// maxBatchInputs is the OpenAI limit on inputs per embeddings request.
const maxBatchInputs = 2048

// Provider implements embeddings.Provider using the OpenAI API.
type Provider struct {
	client    oai.Client
	model     string
	dims      int
	sendDims  bool
	batchSize int
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	dimensions   int
	batchSize    int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions pins the vector length. text-embedding-3 models are asked
// to shorten their output to n; other models are assumed to produce n values.
func WithDimensions(n int) Option {
	return func(c *config) {
		c.dimensions = n
	}
}

// WithBatchSize caps the inputs sent per request. Values outside
// (0, 2048] are ignored.
func WithBatchSize(n int) Option {
	return func(c *config) {
		c.batchSize = n
	}
}

// New constructs a new OpenAI Embeddings Provider.
// If model is empty, DefaultModel (text-embedding-3-small) is used. apiKey may
// be empty when a base URL for a keyless compatible server is configured.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if apiKey == "" && cfg.baseURL == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}

	var reqOpts []option.RequestOption
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	p := &Provider{
		client:    oai.NewClient(reqOpts...),
		model:     model,
		dims:      cfg.dimensions,
		batchSize: maxBatchInputs,
	}
	if cfg.batchSize > 0 && cfg.batchSize < maxBatchInputs {
		p.batchSize = cfg.batchSize
	}
	if p.dims > 0 {
		p.sendDims = strings.HasPrefix(strings.ToLower(model), "text-embedding-3")
	} else {
		p.dims = modelDimensions(model)
	}
	return p, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider. Inputs beyond the per-request
// limit are sent in several requests.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for chunk := range slices.Chunk(texts, p.batchSize) {
		vecs, err := p.embed(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (p *Provider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if p.sendDims {
		params.Dimensions = param.NewOpt(int64(p.dims))
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed %d texts: %w", len(texts), err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	result := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if e.Index < 0 || int(e.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embeddings: unexpected index %d", e.Index)
		}
		vec := make([]float32, len(e.Embedding))
		for i, v := range e.Embedding {
			vec[i] = float32(v)
		}
		result[e.Index] = vec
	}
	return result, nil
}

func (p *Provider) Dimensions() int { return p.dims }
func (p *Provider) ModelID() string { return p.model }

// knownDimensions are the native vector sizes of common embedding models,
// hosted and local.
var knownDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
	"bge-m3":                 1024,
}

// modelDimensions matches model against [knownDimensions], ignoring tags
// such as ":latest". Unknown models are assumed to produce 1536 values.
func modelDimensions(model string) int {
	lower := strings.ToLower(model)
	for name, n := range knownDimensions {
		if strings.Contains(lower, name) {
			return n
		}
	}
	return 1536
}
