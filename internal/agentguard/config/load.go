package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var compiledSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("agentguard-config.json", bytes.NewReader([]byte(configSchema))); err != nil {
		panic(fmt.Sprintf("config: invalid embedded schema: %v", err))
	}
	s, err := compiler.Compile("agentguard-config.json")
	if err != nil {
		panic(fmt.Sprintf("config: schema compile: %v", err))
	}
	compiledSchema = s
}

// Load reads the JSON document at path, validates it against the embedded
// schema, applies conservative defaults, and enforces the
// fail-fast-on-missing-secrets invariant.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: %s is not valid JSON: %w", path, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("config: %s failed schema validation: %w", path, err)
	}

	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	applyDefaults(&c)
	applyOutboundDefaults(&c, doc)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyOutboundDefaults defaults outbound.replyOnlyDefault to true (the
// conservative posture) only when the field is genuinely absent from the
// document, so an explicit `"replyOnlyDefault": false` is never overridden.
func applyOutboundDefaults(c *Config, doc any) {
	top, ok := doc.(map[string]any)
	if !ok {
		c.Outbound.ReplyOnlyDefault = true
		return
	}
	outbound, ok := top["outbound"].(map[string]any)
	if !ok {
		c.Outbound.ReplyOnlyDefault = true
		return
	}
	if _, present := outbound["replyOnlyDefault"]; !present {
		c.Outbound.ReplyOnlyDefault = true
	}
}
