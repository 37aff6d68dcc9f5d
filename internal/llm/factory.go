package llm

import (
	"fmt"
	"os"
	"strings"

	"github.com/Napageneral/podgraph/internal/config"
	"github.com/Napageneral/podgraph/internal/rotate"
)

// Defaults when providers.yaml leaves model names unset.
const (
	DefaultGenerateModel = "gemini-2.0-flash"
	DefaultEmbedModel    = "text-embedding-004"
)

// Settings is the resolved provider configuration: a concrete client plus the
// knobs the pipeline needs to issue calls against it.
type Settings struct {
	Client     *GeminiClient
	Model      string
	EmbedModel string
	Limits     rotate.Limits
	Keys       []rotate.Credential
}

// FromSpec instantiates a provider from a providers.yaml spec. Only the
// "gemini" class is implemented; the spec's config map carries model names,
// window limits and the credential source.
func FromSpec(spec config.ProviderSpec) (*Settings, error) {
	if spec.Class != "gemini" {
		return nil, fmt.Errorf("%w: unknown provider class %q", config.ErrInvalid, spec.Class)
	}

	var opts []GeminiOption
	if u := cfgStr(spec.Config, "base_url"); u != "" {
		opts = append(opts, WithBaseURL(u))
	}
	if d := cfgInt(spec.Config, "dimension"); d > 0 {
		opts = append(opts, WithDimension(d))
	}

	s := &Settings{
		Client:     NewGeminiClient(opts...),
		Model:      cfgStr(spec.Config, "model"),
		EmbedModel: cfgStr(spec.Config, "embed_model"),
		Limits: rotate.Limits{
			RPM: cfgInt(spec.Config, "rpm"),
			TPM: cfgInt(spec.Config, "tpm"),
			RPD: cfgInt(spec.Config, "rpd"),
		},
	}
	if s.Model == "" {
		s.Model = DefaultGenerateModel
	}
	if s.EmbedModel == "" {
		s.EmbedModel = DefaultEmbedModel
	}

	keys, err := resolveKeys(spec.Config)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		s.Keys = append(s.Keys, rotate.NewCredential(k))
	}
	return s, nil
}

// resolveKeys reads the credential pool from the config map: an inline
// api_keys list, or the env var named by api_keys_env holding a
// comma-separated list (the default source is GEMINI_API_KEYS).
func resolveKeys(cfg map[string]any) ([]string, error) {
	if raw, ok := cfg["api_keys"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: api_keys must be a list", config.ErrInvalid)
		}
		keys := make([]string, 0, len(list))
		for _, v := range list {
			s, ok := v.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("%w: api_keys entries must be non-empty strings", config.ErrInvalid)
			}
			keys = append(keys, s)
		}
		return keys, nil
	}

	envName := cfgStr(cfg, "api_keys_env")
	if envName == "" {
		envName = "GEMINI_API_KEYS"
	}
	var keys []string
	for _, k := range strings.Split(os.Getenv(envName), ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no API keys in $%s", config.ErrInvalid, envName)
	}
	return keys, nil
}

func cfgStr(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func cfgInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
