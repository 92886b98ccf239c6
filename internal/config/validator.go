package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var sha256HashPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// RegisterCustomValidators registers the service's validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	for tag, fn := range map[string]validator.Func{
		"audit_output": validateAuditOutput,
		"store_driver": validateStoreDriver,
		"duration":     validateDuration,
		"key_hash":     validateKeyHash,
		"permission":   validatePermission,
	} {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateAuditOutput accepts "stdout", "none" or "file://<absolute-path>".
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()
	if output == "stdout" || output == "none" {
		return true
	}
	if path, ok := strings.CutPrefix(output, "file://"); ok {
		return path != "" && filepath.IsAbs(path)
	}
	return false
}

func validateStoreDriver(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case DriverMemory, DriverState, DriverSQLite, DriverPostgres:
		return true
	}
	return false
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

func validateKeyHash(fl validator.FieldLevel) bool {
	h := fl.Field().String()
	return sha256HashPattern.MatchString(h) || strings.HasPrefix(h, "$argon2id$")
}

// validatePermission accepts "resource:action" with no whitespace.
func validatePermission(fl validator.FieldLevel) bool {
	resource, action, ok := strings.Cut(fl.Field().String(), ":")
	return ok && resource != "" && action != "" &&
		!strings.ContainsAny(resource+action, " \t\n")
}

// Validate validates c using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	if err := c.validateClientReferences(); err != nil {
		return err
	}
	return c.validatePolicyReferences()
}

// validateClientReferences ensures every API key names a known client.
func (c *Config) validateClientReferences() error {
	known := make(map[string]struct{}, len(c.Auth.Clients))
	for _, cl := range c.Auth.Clients {
		if _, dup := known[cl.ID]; dup {
			return fmt.Errorf("auth.clients: duplicate id %s", cl.ID)
		}
		known[cl.ID] = struct{}{}
	}
	for i, k := range c.Auth.APIKeys {
		if _, ok := known[k.ClientID]; !ok {
			return fmt.Errorf("auth.api_keys[%d]: references unknown client_id: %s", i, k.ClientID)
		}
	}
	return nil
}

// validatePolicyReferences ensures seeded assignments name seeded roles.
func (c *Config) validatePolicyReferences() error {
	roles := make(map[string]struct{}, len(c.Policy.Roles))
	for _, r := range c.Policy.Roles {
		if _, dup := roles[r.ID]; dup {
			return fmt.Errorf("policy.roles: duplicate id %s", r.ID)
		}
		roles[r.ID] = struct{}{}
	}
	for i, a := range c.Policy.Assignments {
		if _, ok := roles[a.RoleID]; !ok {
			return fmt.Errorf("policy.assignments[%d]: references unknown role_id: %s", i, a.RoleID)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to readable messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required", "required_if", "required_with":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout', 'none' or 'file://<absolute-path>'", field)
	case "store_driver":
		return fmt.Sprintf("%s must be one of: memory state sqlite postgres", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration such as 500ms or 2s", field)
	case "key_hash":
		return fmt.Sprintf("%s must be 'sha256:<64 hex>' or an argon2id hash", field)
	case "permission":
		return fmt.Sprintf("%s must be 'resource:action'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}

// Duration parses a duration field already accepted by Validate, falling
// back to def when it is empty.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
