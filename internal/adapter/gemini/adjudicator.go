package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const reasoningModel = "gemini-2.0-flash"

// Verdict is the structured outcome of asking the reasoning model whether
// two passages are logically consistent.
type Verdict struct {
	Consistent  bool   `json:"consistent"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
}

const adjudicateSystemPrompt = `You are an editor checking whether two passages of a long-form manuscript logically connect.
Respond with ONLY valid JSON in this exact structure:
{
    "consistent": true or false,
    "severity": "high" or "medium" or "low",
    "description": "what logical connection is missing or contradicted",
    "suggestion": "how the author can address it"
}
If the passages are consistent, set severity to "low" and leave description and suggestion empty.`

// Adjudicator asks a generative model for consistency verdicts and report
// narratives. Outputs are non-deterministic; scoring never depends on them.
type Adjudicator struct {
	client *genai.Client
	model  string
}

func NewAdjudicator(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Adjudicator, error) {
	opts = append(opts, option.WithAPIKey(apiKey))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &Adjudicator{client: client, model: reasoningModel}, nil
}

// Adjudicate judges whether passage b is consistent with passage a. The hint
// carries document context, e.g. which chapters the passages come from.
func (a *Adjudicator) Adjudicate(ctx context.Context, passageA, passageB, hint string) (Verdict, error) {
	model := a.client.GenerativeModel(a.model)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(adjudicateSystemPrompt)}}
	model.ResponseMIMEType = "application/json"

	prompt := fmt.Sprintf("CONTEXT: %s\n\nEARLIER PASSAGE:\n%s\n\nLATER PASSAGE:\n%s", hint, passageA, passageB)

	res, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		slog.ErrorContext(ctx, "adjudication call failed", "error", err)
		return Verdict{}, classify(err)
	}

	raw := responseText(res)
	verdict, err := ParseVerdict(raw)
	if err != nil {
		slog.WarnContext(ctx, "unparseable adjudication response", "error", err, "raw", truncate(raw, 200))
		return Verdict{}, err
	}
	return verdict, nil
}

// Summarize turns the structured findings of a continuity run into the
// narrative analysis shown to the author.
func (a *Adjudicator) Summarize(ctx context.Context, findings string) (string, error) {
	model := a.client.GenerativeModel(a.model)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(
		"You summarize continuity findings for a manuscript author in two or three short paragraphs of plain prose. No markdown, no lists.")}}

	res, err := model.GenerateContent(ctx, genai.Text(findings))
	if err != nil {
		return "", classify(err)
	}
	text := strings.TrimSpace(responseText(res))
	if text == "" {
		return "", fmt.Errorf("empty summary received")
	}
	return text, nil
}

func (a *Adjudicator) Close() error {
	return a.client.Close()
}

var fenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?\\s*```$")

// ParseVerdict decodes a model response, tolerating markdown code fences
// around the JSON. Severity values outside the known set degrade to medium.
func ParseVerdict(raw string) (Verdict, error) {
	raw = strings.TrimSpace(raw)
	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}

	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Verdict{}, fmt.Errorf("parse verdict: %w", err)
	}

	switch v.Severity {
	case "high", "medium", "low":
	case "":
		v.Severity = "medium"
	default:
		v.Severity = "medium"
	}
	return v, nil
}

func responseText(res *genai.GenerateContentResponse) string {
	if res == nil || len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range res.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
