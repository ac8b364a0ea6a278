package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConnector/fileEndpoint mirror Connector/Endpoint in a YAML-friendly
// shape (lower_snake_case keys, matching the process config file
// convention) for catalog seed files.
type fileEndpoint struct {
	ID                  string            `yaml:"id"`
	Name                string            `yaml:"name"`
	Method              string            `yaml:"method"`
	ConsumerPathPattern string            `yaml:"consumer_path_pattern"`
	UpstreamURLTemplate string            `yaml:"upstream_url_template"`
	BodyTransform       string            `yaml:"body_transform"`
	BodyTemplate        string            `yaml:"body_template"`
	TimeoutMs           int64             `yaml:"timeout_ms"`
	Retries             int               `yaml:"retries"`
	MaxRequestSize      int64             `yaml:"max_request_size"`
	CacheTTLMs          int64             `yaml:"cache_ttl_ms"`
	PassHeaders         []string          `yaml:"pass_headers"`
	AddHeaders          map[string]string `yaml:"add_headers"`
	RemoveHeaders       []string          `yaml:"remove_headers"`
	Validation          struct {
		ContentType      string `yaml:"content_type"`
		RequiredHeaders  []string `yaml:"required_headers"`
		ForbiddenHeaders []string `yaml:"forbidden_headers"`
		BodyRegex        string   `yaml:"body_regex"`
		JSONSchema       string   `yaml:"json_schema"`
	} `yaml:"validation"`
	RateLimit *struct {
		Capacity        int64   `yaml:"capacity"`
		RefillPerSecond float64 `yaml:"refill_per_second"`
	} `yaml:"rate_limit"`
	Quota *struct {
		Hour  int64 `yaml:"hour"`
		Day   int64 `yaml:"day"`
		Month int64 `yaml:"month"`
	} `yaml:"quota"`
}

type fileConnector struct {
	ID               string            `yaml:"id"`
	Slug             string            `yaml:"slug"`
	OwnerUserID      string            `yaml:"owner_user_id"`
	TeamID           string            `yaml:"team_id"`
	Visibility       string            `yaml:"visibility"`
	DefaultTimeoutMs int64             `yaml:"default_timeout_ms"`
	AllowedHosts     []string          `yaml:"allowed_hosts"`
	SecretRefs       map[string]string `yaml:"secret_refs"`
	StreamingEnabled bool              `yaml:"streaming_enabled"`
	Endpoints        []fileEndpoint    `yaml:"endpoints"`
}

type fileRoot struct {
	Connectors []fileConnector `yaml:"connectors"`
}

// LoadYAMLFile reads a catalog seed file and loads every connector/endpoint
// it describes into c.
func LoadYAMLFile(c *MemoryCatalog, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("catalog: read %s: %w", path, err)
	}

	var root fileRoot
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("catalog: parse %s: %w", path, err)
	}

	for _, fc := range root.Connectors {
		conn := &Connector{
			ID:               fc.ID,
			Slug:             fc.Slug,
			OwnerUserID:      fc.OwnerUserID,
			TeamID:           fc.TeamID,
			Visibility:       Visibility(fc.Visibility),
			DefaultTimeoutMs: fc.DefaultTimeoutMs,
			AllowedHosts:     fc.AllowedHosts,
			SecretRefs:       fc.SecretRefs,
			StreamingEnabled: fc.StreamingEnabled,
		}

		endpoints := make([]*Endpoint, 0, len(fc.Endpoints))
		for _, fe := range fc.Endpoints {
			ep := &Endpoint{
				ID:                  fe.ID,
				Name:                fe.Name,
				Method:              fe.Method,
				ConsumerPathPattern: fe.ConsumerPathPattern,
				UpstreamURLTemplate: fe.UpstreamURLTemplate,
				BodyTransform:       BodyTransform(fe.BodyTransform),
				BodyTemplate:        fe.BodyTemplate,
				TimeoutMs:           fe.TimeoutMs,
				Retries:             fe.Retries,
				MaxRequestSize:      fe.MaxRequestSize,
				CacheTTLMs:          fe.CacheTTLMs,
				Validation: Validation{
					ContentType:      fe.Validation.ContentType,
					RequiredHeaders:  fe.Validation.RequiredHeaders,
					ForbiddenHeaders: fe.Validation.ForbiddenHeaders,
					BodyRegex:        fe.Validation.BodyRegex,
					JSONSchema:       fe.Validation.JSONSchema,
				},
			}

			for _, h := range fe.PassHeaders {
				ep.HeaderRules = append(ep.HeaderRules, HeaderRule{Pass: true, Name: h})
			}
			for name, value := range fe.AddHeaders {
				ep.HeaderRules = append(ep.HeaderRules, HeaderRule{Add: true, Name: name, Value: value})
			}
			for _, h := range fe.RemoveHeaders {
				ep.HeaderRules = append(ep.HeaderRules, HeaderRule{Remove: true, Name: h})
			}

			if fe.RateLimit != nil {
				ep.RateLimit = &RateLimitRule{Capacity: fe.RateLimit.Capacity, RefillPerSecond: fe.RateLimit.RefillPerSecond}
			}
			if fe.Quota != nil {
				ep.Quota = &QuotaRule{Hour: fe.Quota.Hour, Day: fe.Quota.Day, Month: fe.Quota.Month}
			}

			endpoints = append(endpoints, ep)
		}

		c.Put(conn, endpoints)
	}

	return nil
}
