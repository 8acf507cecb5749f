package crontab

import (
	"fmt"

	"github.com/openfroyo/converge/pkg/bindings"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/flatfile"
)

const (
	// ProviderName is the tag the crontab provider registers under.
	ProviderName = "crontab"

	// ResourceType is the resource type the provider manages.
	ResourceType = "cron"

	// HeaderKey is the binding overriding the header template.
	HeaderKey = "crontab.header"

	// StrictKey is the binding enabling strict parsing of targets.
	StrictKey = "crontab.strict"
)

// Option configures the providers built by Factory.
type Option func(*factoryConfig)

type factoryConfig struct {
	bucket flatfile.Bucket
	schema []SchemaOption
	strict bool
}

// WithBucket backs up targets before they are overwritten.
func WithBucket(b flatfile.Bucket) Option {
	return func(c *factoryConfig) {
		c.bucket = b
	}
}

// WithSchemaOptions configures the schema of every provider instance.
func WithSchemaOptions(opts ...SchemaOption) Option {
	return func(c *factoryConfig) {
		c.schema = append(c.schema, opts...)
	}
}

// WithStrictParsing fails prefetch on lines that are not crontab syntax.
func WithStrictParsing() Option {
	return func(c *factoryConfig) {
		c.strict = true
	}
}

// Factory returns a provider factory opening targets through opener.
// Bindings may override the header template and enable strict parsing.
func Factory(opener flatfile.Opener, opts ...Option) engine.ProviderFactory {
	cfg := &factoryConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(view bindings.View) (engine.Provider, error) {
		schemaOpts := append([]SchemaOption(nil), cfg.schema...)
		if raw := view.LookupOr(HeaderKey, nil); raw != nil {
			text, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("binding %s must be a string, got %T", HeaderKey, raw)
			}
			schemaOpts = append(schemaOpts, WithHeader(text))
		}

		schema, err := NewSchema(schemaOpts...)
		if err != nil {
			return nil, err
		}

		var providerOpts []flatfile.Option
		if cfg.bucket != nil {
			providerOpts = append(providerOpts, flatfile.WithBucket(cfg.bucket))
		}
		strict := cfg.strict
		if raw := view.LookupOr(StrictKey, nil); raw != nil {
			b, ok := raw.(bool)
			if !ok {
				return nil, fmt.Errorf("binding %s must be a bool, got %T", StrictKey, raw)
			}
			strict = b
		}
		if strict {
			providerOpts = append(providerOpts, flatfile.WithStrictParsing())
		}

		return flatfile.New(ProviderName, schema, opener, providerOpts...), nil
	}
}

// Register adds the crontab provider to registry.
func Register(registry *engine.Registry, opener flatfile.Opener, opts ...Option) error {
	return registry.Register(ProviderName, Factory(opener, opts...))
}
