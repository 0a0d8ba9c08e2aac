package claudeapi

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/pysugar/claude-relay/internal/relay"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const anthropicVersion = "2023-06-01"

// Adapter implements the custom_api channel in its Claude format: bytes are
// forwarded mostly unchanged, with only message_start patched to inject the
// emulated cache stats.
type Adapter struct{}

// New returns the channel adapter.
func New() *Adapter { return &Adapter{} }

// BuildRequest forwards the client body verbatim apart from the auth header,
// the mapped model, and (for provider=azure) the Azure cleanup.
func (a *Adapter) BuildRequest(ctx context.Context, in *relay.BuildInput) (*http.Request, error) {
	body := in.RawBody

	model := in.Model
	if m := in.Account.ExtensionString("model"); m != "" {
		model = m
	}
	if model != "" && gjson.GetBytes(body, "model").String() != model {
		patched, err := sjson.SetBytes(body, "model", model)
		if err != nil {
			return nil, err
		}
		body = patched
	}

	if in.Account.ExtensionString("provider") == "azure" {
		cleaned, err := CleanForAzure(body)
		if err != nil {
			return nil, err
		}
		body = cleaned
	}

	base := strings.TrimRight(in.Account.ExtensionString("api_base"), "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", in.AccessToken)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

// AdaptStream forwards the upstream SSE stream byte-for-byte, patching only
// the message_start usage with the simulated cache stats and reading the
// final usage out of message_delta.
func (a *Adapter) AdaptStream(ctx context.Context, body io.Reader, em *relay.Emitter, in *relay.BuildInput) (*relay.StreamResult, error) {
	sink := em.Sink()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	result := &relay.StreamResult{StopReason: "end_turn", Forwarded: true}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Text()

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")
			switch gjson.Get(data, "type").String() {
			case "message_start":
				patched := data
				patched, _ = sjson.Set(patched, "message.usage.cache_creation_input_tokens", in.StartUsage.CacheCreationInputTokens)
				patched, _ = sjson.Set(patched, "message.usage.cache_read_input_tokens", in.StartUsage.CacheReadInputTokens)
				line = "data: " + patched
			case "message_delta":
				if v := gjson.Get(data, "usage.output_tokens"); v.Exists() {
					result.OutputTokens = int(v.Int())
				}
				if v := gjson.Get(data, "usage.input_tokens"); v.Exists() {
					result.InputTokens = int(v.Int())
				}
				if v := gjson.Get(data, "delta.stop_reason"); v.Exists() {
					result.StopReason = v.String()
				}
			}
		}

		if err := sink.WriteRaw([]byte(line + "\n")); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
