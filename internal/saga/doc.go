// Package saga defines the core saga orchestration types: transactions,
// step executions, and the append-only event journal. The engine package
// drives these types; storage persists them.
package saga
