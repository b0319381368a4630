// Package config handles loading and validating IoT gateway configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with IOTGW_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (broker password, JWT secret, InfluxDB token, account
//     store DSN) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Gateway.Name)
package config
