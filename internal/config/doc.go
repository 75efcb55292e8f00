// Package config loads, normalizes, and validates Vigil configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, loads an optional .env file, and honours
// environment fallbacks such as MQTT_BROKER and DATABASE_URL. The Config type
// centralizes every knob the daemon and CLI need: engine limits, the worker
// model table, tenant credentials and occupancy collaborators.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
