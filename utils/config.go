package utils

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/vitwit/nanopix/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	mustRegister(validate, "network", validateNetworkTag)
	mustRegister(validate, "chainkind", validateChainKindTag)
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %q validation: %v", tag, err))
	}
}

// Validator returns the shared validator instance
func Validator() *validator.Validate {
	return validate
}

func validateNetworkTag(fl validator.FieldLevel) bool {
	_, ok := types.LookupNetwork(types.Network(fl.Field().String()))
	return ok
}

func validateChainKindTag(fl validator.FieldLevel) bool {
	_, err := types.ParseChainKind(fl.Field().String())
	return err == nil
}

// LoadConfig reads, validates and defaults a YAML config file
func LoadConfig(path string) (*types.VendingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapError(types.ReasonInvalidRequest, fmt.Sprintf("failed to read config %s", path), err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a YAML config document
func ParseConfig(data []byte) (*types.VendingConfig, error) {
	var cfg types.VendingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, types.WrapError(types.ReasonInvalidRequest, "failed to parse config", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, types.WrapError(types.ReasonInvalidRequest, "config validation failed", err)
	}

	seen := make(map[types.Network]bool, len(cfg.Networks))
	for i := range cfg.Networks {
		c := &cfg.Networks[i]
		if seen[c.Network] {
			return nil, types.Errorf(types.ReasonInvalidRequest, "network %s configured twice", c.Network)
		}
		seen[c.Network] = true
		if c.RPCUrl == "" {
			params, _ := types.LookupNetwork(c.Network)
			c.RPCUrl = params.RPCURLs[0]
		}
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ValidateStruct runs struct-tag validation and wraps failures as InvalidRequest
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return types.WrapError(types.ReasonInvalidRequest, fmt.Sprintf("validation failed: %v", err), err)
	}
	return nil
}
