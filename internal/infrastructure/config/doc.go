// Package config handles loading and validating Coach Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (COACHCORE_*)
//   - Validation of required fields and unsafe timing combinations
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (broker passwords, tokens, the legacy reset code)
//     should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Coach.Name)
package config
