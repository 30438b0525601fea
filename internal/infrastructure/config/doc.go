// Package config handles loading and validating MRS Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (MRS_* prefix)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (DSNs, passwords, tokens) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - JWT verification must stay enabled on a live site
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Gateway.Mode)
package config
