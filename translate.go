//
// Copyright (c) 2022-2024 Winlin
//
// SPDX-License-Identifier: MIT
//
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/abadojack/whatlanggo"
	"github.com/ossrs/go-oryx-lib/errors"
	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/sashabaranov/go-openai"
)

// SegmentTranslator translates segment text to the target language in place,
// stamping TranslatedText and never mutating the source Text. Translation is
// the only stage allowed to degrade to a no-op, a segment whose every method
// failed keeps its original text with an annotation.
type SegmentTranslator struct {
	conf     *Config
	registry *MethodRegistry
}

func NewSegmentTranslator(conf *Config) *SegmentTranslator {
	v := &SegmentTranslator{conf: conf}

	v.registry = NewMethodRegistry("translation")
	v.registry.Register("google", func(ctx context.Context) bool {
		return true
	})
	v.registry.Register("openai", func(ctx context.Context) bool {
		return conf.OpenAIKey != ""
	})
	v.registry.Register("openrouter", func(ctx context.Context) bool {
		return conf.OpenRouterKey != ""
	})
	v.registry.Register("ollama", func(ctx context.Context) bool {
		return conf.OllamaURL != ""
	})
	for _, method := range []string{"google", "openai", "openrouter", "ollama"} {
		v.registry.SetFallbacks(method, conf.TranslationFallbacks...)
	}

	return v
}

func (v *SegmentTranslator) Capability(ctx context.Context) *StageCapability {
	return v.registry.Capability(ctx)
}

// Translate fills TranslatedText for every segment. Failures degrade per
// segment, a segment that exhausts all methods keeps the original text and an
// annotation, and the batch never fails.
func (v *SegmentTranslator) Translate(ctx context.Context, segments []*Segment, opts *ProcessingOptions) {
	var degraded int
	var previous *Segment

	for _, segment := range segments {
		if strings.TrimSpace(segment.Text) == "" {
			continue
		}

		// Best effort, short segments rarely classify with confidence.
		if segment.Language == "" {
			segment.Language = whatlanggo.DetectLang(segment.Text).Iso6391()
		}

		attempted, err := v.registry.Execute(ctx, opts.TranslationMethod, func(ctx context.Context, method string) error {
			translated, err := v.translateText(ctx, method, segment.Text, opts.TargetLanguage, previous)
			if err != nil {
				return err
			}
			segment.TranslatedText = translated
			return nil
		})
		if err != nil {
			// Keep the original text, the dub pipeline carries on untranslated.
			segment.TranslatedText = segment.Text
			segment.Error = fmt.Sprintf("translation failed: %v", err.Error())
			degraded++
			logger.Wf(ctx, "translate segment %v degraded to original, attempted=%v, err %v",
				segment.ID, attempted, err)
			continue
		}

		previous = segment
	}

	if degraded > 0 {
		logger.Wf(ctx, "translate done with %v/%v segments degraded", degraded, len(segments))
	}
}

func (v *SegmentTranslator) translateText(ctx context.Context, method, text, target string, previous *Segment) (string, error) {
	switch method {
	case "google":
		return v.translateGoogle(ctx, text, target)
	case "openai":
		return v.translateChat(ctx, v.conf.OpenAIKey, v.conf.OpenAIBaseURL, v.conf.OpenAIModel, text, target, previous)
	case "openrouter":
		return v.translateChat(ctx, v.conf.OpenRouterKey, "https://openrouter.ai/api/v1", v.conf.OpenRouterModel, text, target, previous)
	case "ollama":
		return v.translateOllama(ctx, text, target)
	default:
		return "", errors.Errorf("unknown translation method %v", method)
	}
}

// translateGoogle uses the free web endpoint, no key required.
func (v *SegmentTranslator) translateGoogle(ctx context.Context, text, target string) (string, error) {
	api := fmt.Sprintf("https://translate.googleapis.com/translate_a/single?client=gtx&sl=auto&tl=%v&dt=t&q=%v",
		url.QueryEscape(target), url.QueryEscape(text))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api, nil)
	if err != nil {
		return "", errors.Wrapf(err, "request %v", api)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "get %v", api)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("google translate status=%v", resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrapf(err, "read body")
	}

	// The response is a nested array, [[["translated","source",...],...],...]
	var payload []interface{}
	if err := json.Unmarshal(b, &payload); err != nil {
		return "", errors.Wrapf(err, "parse %v", string(b))
	}
	if len(payload) == 0 {
		return "", errors.Errorf("empty response %v", string(b))
	}

	sentences, ok := payload[0].([]interface{})
	if !ok {
		return "", errors.Errorf("invalid response %v", string(b))
	}

	var sb strings.Builder
	for _, s := range sentences {
		if parts, ok := s.([]interface{}); ok && len(parts) > 0 {
			if translated, ok := parts[0].(string); ok {
				sb.WriteString(translated)
			}
		}
	}

	if sb.Len() == 0 {
		return "", errors.Errorf("no translation in %v", string(b))
	}
	return strings.TrimSpace(sb.String()), nil
}

// translateChat translates with an OpenAI compatible chat service, carrying
// the previous exchange so the model keeps terms consistent across segments.
func (v *SegmentTranslator) translateChat(ctx context.Context, key, baseURL, model, text, target string, previous *Segment) (string, error) {
	systemPrompt := fmt.Sprintf("Translate all user input text into %v. Keep the same tone and meaning. Never answer questions but directly translate text.",
		target)
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
	}

	if previous != nil && previous.TranslatedText != "" && previous.Text != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleUser, Content: previous.Text,
		})
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleAssistant, Content: previous.TranslatedText,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: text,
	})

	aiConfig := openai.DefaultConfig(key)
	aiConfig.BaseURL = baseURL
	if baseURL == v.conf.OpenAIBaseURL {
		aiConfig.OrgID = v.conf.OpenAIOrg
	}

	client := openai.NewClientWithConfig(aiConfig)
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return "", errors.Wrapf(err, "chat model=%v", model)
	}
	if len(resp.Choices) == 0 {
		return "", errors.Errorf("no choices, model=%v", model)
	}

	translated := strings.TrimSpace(resp.Choices[0].Message.Content)
	if translated == "" {
		return "", errors.Errorf("empty translation, model=%v", model)
	}
	return translated, nil
}

// translateOllama uses a local ollama server, non streaming.
func (v *SegmentTranslator) translateOllama(ctx context.Context, text, target string) (string, error) {
	body, err := json.Marshal(struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
		Stream bool   `json:"stream"`
	}{
		Model: v.conf.OllamaModel,
		Prompt: fmt.Sprintf("Translate the following text into %v. Output only the translation.\n\n%v",
			target, text),
		Stream: false,
	})
	if err != nil {
		return "", errors.Wrapf(err, "marshal request")
	}

	api := fmt.Sprintf("%v/api/generate", strings.TrimSuffix(v.conf.OllamaURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, api, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrapf(err, "request %v", api)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "post %v", api)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", errors.Errorf("ollama status=%v, body=%v", resp.StatusCode, string(b))
	}

	ollamaResp := struct {
		Response string `json:"response"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return "", errors.Wrapf(err, "decode response")
	}

	translated := strings.TrimSpace(ollamaResp.Response)
	if translated == "" {
		return "", errors.Errorf("empty translation, model=%v", v.conf.OllamaModel)
	}
	return translated, nil
}
