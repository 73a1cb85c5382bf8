package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema pins the document shape. Structural mistakes fail here with a
// pointer into the document instead of surfacing later as odd zero values.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["network", "gateway"],
  "properties": {
    "network": {"type": "string", "minLength": 1},
    "log_level": {"type": "string", "enum": ["DEBUG", "INFO", "WARN", "ERROR"]},
    "gateway": {
      "type": "object",
      "required": ["base_url", "party"],
      "properties": {
        "base_url": {"type": "string", "minLength": 1},
        "jwt_secret": {"type": "string"},
        "party": {"type": "string", "minLength": 1},
        "read_as": {"type": "array", "items": {"type": "string"}},
        "submit_timeout_ms": {"type": "integer", "minimum": 1},
        "ready_poll_ms": {"type": "integer", "minimum": 1},
        "ready_timeout_ms": {"type": "integer", "minimum": 1},
        "min_version": {"type": "string"}
      }
    },
    "billing": {
      "type": "object",
      "properties": {
        "interval_ms": {"type": "integer", "minimum": 1},
        "retry": {
          "type": "object",
          "properties": {
            "base_ms": {"type": "integer", "minimum": 0},
            "max_ms": {"type": "integer", "minimum": 0},
            "max_jitter_ms": {"type": "integer", "minimum": 0},
            "max_attempts": {"type": "integer", "minimum": 1}
          }
        }
      }
    },
    "receipts": {
      "type": "object",
      "properties": {
        "driver": {"type": "string", "enum": ["memory", "sqlite", "postgres"]},
        "dsn": {"type": "string"}
      }
    },
    "archive": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "bucket": {"type": "string"},
        "region": {"type": "string"},
        "endpoint": {"type": "string"},
        "prefix": {"type": "string"}
      }
    },
    "throttle": {
      "type": "object",
      "properties": {
        "mode": {"type": "string", "enum": ["none", "local", "redis"]},
        "per_second": {"type": "number", "minimum": 0},
        "burst": {"type": "integer", "minimum": 0},
        "redis_addr": {"type": "string"},
        "redis_password": {"type": "string"},
        "redis_db": {"type": "integer", "minimum": 0}
      }
    },
    "networks": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["factory"],
        "properties": {
          "factory": {
            "type": "object",
            "required": ["template", "contract", "blob_b64"],
            "properties": {
              "template": {"type": "string", "minLength": 1},
              "contract": {"type": "string", "minLength": 1},
              "blob_b64": {"type": "string"},
              "domain": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

// validateSchema checks the normalized config (after env and defaults)
// against configSchema.
func validateSchema(cfg *Config) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := "https://paystream.schemas.local/config.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(configSchema)); err != nil {
		return fmt.Errorf("config schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("config schema compile failed: %w", err)
	}

	// Round-trip through JSON so the validator sees the document types it
	// expects.
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: decode for validation: %w", err)
	}

	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("config: schema validation failed: %w", err)
	}
	return nil
}
