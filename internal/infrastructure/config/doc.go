// Package config handles loading and validating the feeder client configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with FEEDER_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// The store location (database path and broker host) is the only configuration
// the client cannot run without. A config that fails validation halts startup.
//
// Sensitive values (broker password, InfluxDB token, session secret) should be
// supplied via environment variables or a .env file rather than the YAML file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Client.Name)
package config
