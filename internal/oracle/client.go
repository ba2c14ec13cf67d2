package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wkdtpgus/cherry-in-the-haystack/internal/apperr"
	"github.com/wkdtpgus/cherry-in-the-haystack/internal/config"
)

// Client talks to an OpenAI-compatible chat completions API and maps its
// output onto the decision schemas. Transient transport errors and schema
// violations are retried with backoff up to the configured bound.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	language   string
	maxRetries int
	backoff    time.Duration
	http       *http.Client
}

// NewClient creates an oracle client from the oracle config section.
func NewClient(cfg config.OracleConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	backoff := cfg.RetryBackoff
	if backoff == 0 {
		backoff = 2 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	language := cfg.DescriptionLanguage
	if language == "" {
		language = "ko"
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		language:   language,
		maxRetries: cfg.MaxRetries,
		backoff:    backoff,
		http:       &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// complete performs one chat call per attempt and hands the JSON object the
// model returns to decode. Transport failures, 429/5xx, undecodable output,
// and schema violations reported by decode all trigger another attempt, so a
// model that produced one malformed decision gets a chance to correct itself.
func (c *Client) complete(ctx context.Context, system, user string, decode func([]byte) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", apperr.ErrOracleFailure, ctx.Err())
			case <-time.After(c.backoff * time.Duration(1<<(attempt-1))):
			}
		}
		var content []byte
		content, lastErr = c.completeOnce(ctx, system, user)
		if lastErr == nil {
			lastErr = decode(content)
		}
		if lastErr == nil {
			return nil
		}
	}
	if errors.Is(lastErr, apperr.ErrOracleFailure) {
		return lastErr
	}
	return fmt.Errorf("%w: %v", apperr.ErrOracleFailure, lastErr)
}

func (c *Client) completeOnce(ctx context.Context, system, user string) ([]byte, error) {
	body, _ := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    0,
		ResponseFormat: &respFormat{Type: "json_object"},
	})

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("oracle error %d: %s", resp.StatusCode, string(b))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, err
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("no completion returned")
	}
	return []byte(strings.TrimSpace(cr.Choices[0].Message.Content)), nil
}

// decodeDecision unmarshals one raw completion into a decision struct.
func decodeDecision(content []byte, out any) error {
	if err := json.Unmarshal(content, out); err != nil {
		return fmt.Errorf("undecodable decision %q: %w", truncate(string(content), 200), err)
	}
	return nil
}

type describeResult struct {
	Description string `json:"description"`
}

func (c *Client) Describe(ctx context.Context, concept, chunkText string) (string, error) {
	system := fmt.Sprintf(`You are an expert in LLM and machine learning ontologies.
Write a precise description of the given concept in language %q, 3-5 sentences:
what it is, how it works, where it is used, and how it relates to neighboring
concepts. Use varied wording and keywords so the text embeds well for vector
search. Respond as JSON: {"description": "..."}`, c.language)

	user := fmt.Sprintf("Concept: %s", concept)
	if chunkText != "" {
		user += fmt.Sprintf("\n\nOriginal text the concept was extracted from:\n%s", truncate(chunkText, 800))
	}

	var res describeResult
	err := c.complete(ctx, system, user, func(content []byte) error {
		res = describeResult{}
		if err := decodeDecision(content, &res); err != nil {
			return err
		}
		if strings.TrimSpace(res.Description) == "" {
			return schemaErr(fmt.Errorf("empty description"))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return res.Description, nil
}

func (c *Client) ResolveMatch(ctx context.Context, req MatchRequest) (MatchDecision, error) {
	var sb strings.Builder
	for i, cand := range req.Candidates {
		fmt.Fprintf(&sb, "%d. concept_id: %s\n   description: %s\n", i+1, cand.ConceptID, truncate(cand.Description, 300))
	}

	system := `You are an expert in LLM and machine learning ontologies. Decide whether a
keyword can be folded into one of the candidate concepts or must be classified
as a new concept.

Fold (set matched_concept_id) when the keyword and a candidate denote the same
idea: synonyms, abbreviation vs full name, or a mere difference in wording.
Keep separate (is_new=true) when the keyword is an independent study topic
with its own principles, literature, or level of abstraction, even if it is a
subfield of a candidate.

Always produce canonical_phrase_summary: the keyword reduced to a noun phrase
of at most three words, with document-structure words (Overview, Introduction,
Mastering, Guide, Basics, ...) removed.

Respond as JSON:
{"matched_concept_id": "..." or "", "is_new": bool,
 "canonical_phrase_summary": "...", "reason": "..."}`

	user := fmt.Sprintf("Keyword: %s\n", req.Concept)
	if req.GroupTitle != "" {
		user += fmt.Sprintf("Section title: %s\n", req.GroupTitle)
	}
	user += fmt.Sprintf("\nOriginal paragraph:\n%s\n\nCandidate concepts:\n%s", truncate(req.ChunkText, 800), sb.String())

	var d MatchDecision
	err := c.complete(ctx, system, user, func(content []byte) error {
		d = MatchDecision{}
		if err := decodeDecision(content, &d); err != nil {
			return err
		}
		if d.MatchedConceptID != "" {
			d.IsNew = false
		}
		if err := d.validate(); err != nil {
			return schemaErr(err)
		}
		return nil
	})
	if err != nil {
		return MatchDecision{}, err
	}
	return d, nil
}

func (c *Client) ValidateCluster(ctx context.Context, req ClusterRequest) (ClusterDecision, error) {
	var sb strings.Builder
	for i, m := range req.Members {
		fmt.Fprintf(&sb, "%d. original keyword: %s\n   canonical phrase: %s\n   description: %s\n\n",
			i+1, m.ConceptText, m.CanonicalPhrase, truncate(m.Description, 200))
	}

	system := fmt.Sprintf(`You are an ontology expert judging whether all members of a cluster denote
the same underlying concept.

Accept only when the members differ in phrasing, not in kind: concepts that
each deserve independent study must not be merged. When accepting, pick the
representative_phrase from the members' canonical phrases and write one
unified_description in language %q spanning all members.

Respond as JSON:
{"representative_phrase": "...", "unified_description": "...",
 "accepted": bool, "reason": "..."}`, c.language)

	user := fmt.Sprintf("Cluster members:\n\n%s", sb.String())

	var d ClusterDecision
	err := c.complete(ctx, system, user, func(content []byte) error {
		d = ClusterDecision{}
		if err := decodeDecision(content, &d); err != nil {
			return err
		}
		if err := d.validate(); err != nil {
			return schemaErr(err)
		}
		return nil
	})
	if err != nil {
		return ClusterDecision{}, err
	}
	return d, nil
}

func (c *Client) AssignParent(ctx context.Context, req ParentRequest) (ParentDecision, error) {
	var sb strings.Builder
	for _, s := range req.Similar {
		fmt.Fprintf(&sb, "- %s: %s\n", s.ConceptID, truncate(s.Description, 150))
	}

	system := `You are an ontology expert placing a new concept in an existing taxonomy.
Choose the parent among the root children, or the parent of a similar concept.
Return only a concept id that already exists in the ontology; return an empty
string when none fits.

Respond as JSON: {"parent_concept_id": "..."}`

	user := fmt.Sprintf("New concept: %s\nDescription: %s\n\nRoot children:\n%s\n\nSimilar existing concepts:\n%s",
		req.ConceptID, truncate(req.Description, 500),
		strings.Join(req.RootChildren, ", "), sb.String())

	var d ParentDecision
	err := c.complete(ctx, system, user, func(content []byte) error {
		d = ParentDecision{}
		return decodeDecision(content, &d)
	})
	if err != nil {
		return ParentDecision{}, err
	}
	return d, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
