// Package pg wires PostgreSQL connectivity for the billing stores: pgx pool
// construction with startup retries, goose migration execution, health
// probes, and error classification helpers shared by repositories.
package pg
