package modelgroup

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

const defaultModel = "gemini-3-flash-preview"

const systemInstruction = `You cluster code changes into logical commits.
Input: a JSON object with semantic groups of related line edits. Each group
has an id, the files it touches, the identifiers it defines, and a diff
fragment. Output: logical commit groups, each with the member group ids and
a concise imperative commit message. cluster_strictness in [0,1] controls
merging: at 0 keep every group separate, at 1 merge aggressively. Every
input id must appear in exactly one logical group. The optional order array
lists logical group indexes in commit order.`

var responseSchema = &genai.Schema{
	Type:     genai.TypeObject,
	Required: []string{"logical_groups"},
	Properties: map[string]*genai.Schema{
		"logical_groups": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type:     genai.TypeObject,
				Required: []string{"member_ids", "message"},
				Properties: map[string]*genai.Schema{
					"member_ids": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
					"message":    {Type: genai.TypeString},
					"rationale":  {Type: genai.TypeString},
				},
			},
		},
		"order": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeInteger}},
	},
}

// GenAIAnalyzer proposes clusterings through the Gemini API with a
// schema-constrained JSON response.
type GenAIAnalyzer struct {
	client *genai.Client
	model  string
}

// NewGenAIAnalyzer creates a Gemini-backed analyzer.
func NewGenAIAnalyzer(ctx context.Context, apiKey, model string) (*GenAIAnalyzer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("model API key is required")
	}
	if model == "" {
		model = defaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}
	return &GenAIAnalyzer{client: client, model: model}, nil
}

func (a *GenAIAnalyzer) Name() string {
	return fmt.Sprintf("genai:%s", a.model)
}

func (a *GenAIAnalyzer) Analyze(ctx context.Context, req *Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	contents := []*genai.Content{
		{Parts: []*genai.Part{{Text: string(payload)}}},
	}
	temperature := float32(0.2)
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType:  "application/json",
		ResponseSchema:    responseSchema,
		Temperature:       &temperature,
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}},
	}

	result, err := a.client.Models.GenerateContent(ctx, a.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("model request: %w", err)
	}

	var resp Response
	if err := json.Unmarshal([]byte(result.Text()), &resp); err != nil {
		return nil, fmt.Errorf("decoding model response: %w", err)
	}
	if len(resp.LogicalGroups) == 0 {
		return nil, fmt.Errorf("model response carried no logical groups")
	}
	return &resp, nil
}
