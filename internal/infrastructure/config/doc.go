// Package config handles loading and validating ESP bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with ESPBRIDGE_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Broker credentials and the InfluxDB token should come from the
// environment rather than the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Bridge.DiscoveryTopic)
package config
