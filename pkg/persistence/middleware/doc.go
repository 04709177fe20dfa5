// Package middleware decorates a ports.LinkStore. Link values often carry
// credentials for the provider (connection strings, API keys), so the main
// decorator encrypts them at rest while keeping the link key readable.
package middleware
