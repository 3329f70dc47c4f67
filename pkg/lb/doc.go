// Package lb models load balancers, their endpoint mappings (ports) and the
// VM backends attached to them.
//
// Every (port, VM) association is a health target: BackendTarget probes the
// backend over an SSH session to the VM host, once per address family the
// load balancer stack enables. Health transitions raise the load balancer's
// rebuild flag, which the load balancer program consumes to rebuild the
// routing Plan from the backends that are up.
package lb
