// Package workflow parses YAML workflow definitions and builds the acyclic
// task graph that the scheduler executes. Graph construction rejects duplicate
// task ids, unresolved dependency references, and cycles.
package workflow
