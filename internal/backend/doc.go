// Package backend defines the common executor contract that all task backends
// (local subprocess, S3 object transfer, Step Functions submission) implement,
// along with the registry that maps backend identifiers to executors.
package backend
