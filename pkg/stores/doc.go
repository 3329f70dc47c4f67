// Package stores provides the SQLite persistence layer for the nexus daemon.
// It stores strands with their leases, load balancers with ports and backend
// health, VMs, Kubernetes clusters and observability events. The schema is
// applied from embedded migrations; leases and the load balancer rebuild flag
// are changed only through conditional updates so concurrent workers never
// double-claim a strand or raise the flag twice.
package stores
