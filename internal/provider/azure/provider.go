// Package azure implements the provider client for Azure OpenAI
// deployments. The wire protocol is OpenAI's, so this is the openai
// variant configured with Azure's auth header and api-version parameter.
package azure

import (
	"fmt"

	openaiapi "github.com/modelmux/modelmux/internal/api/openai"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/provider"
	"github.com/modelmux/modelmux/internal/provider/openai"
)

const defaultAPIVersion = "2024-02-01"

// RegisterClientFactory registers this variant with the provider registry.
func RegisterClientFactory() {
	if provider.IsRegistered(domain.HostAzure) {
		return
	}
	provider.Register(domain.HostAzure, CreateFromConfig)
}

// CreateFromConfig builds the provider from backend configuration. Azure
// requires an explicit deployment base URL.
func CreateFromConfig(cfg config.BackendConfig) (provider.Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("azure backend requires a base_url")
	}

	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}

	opts := []openai.Option{
		openai.WithHost(domain.HostAzure),
		openai.WithClientOptions(
			openaiapi.WithBaseURL(cfg.BaseURL),
			openaiapi.WithAPIKeyHeader("api-key"),
			openaiapi.WithAPIVersion(apiVersion),
		),
	}
	if cfg.ImageModel != "" {
		opts = append(opts, openai.WithImageModel(cfg.ImageModel))
	}
	return openai.New(cfg.APIKey, opts...), nil
}
