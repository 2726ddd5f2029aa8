// Package config loads typed configuration structs from environment
// variables using `env` struct tags, with optional .env file bootstrap
// for local development.
package config
