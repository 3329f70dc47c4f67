package admission

// Query collects the denial messages of every module in the admission
// package. Policy files add rules to the same package.
const Query = "data.nexus.admission.deny"

// builtinPolicy keeps control planes at a quorum-friendly size and cluster
// names usable as DNS labels.
const builtinPolicy = `package nexus.admission

deny contains msg if {
	input.kind == "kubernetes_cluster"
	not input.request.cp_node_count in {1, 3, 5}
	msg := sprintf("control plane node count must be 1, 3 or 5, got %v", [input.request.cp_node_count])
}

deny contains msg if {
	input.kind == "kubernetes_cluster"
	not regex.match("^[a-z0-9]([-a-z0-9]{0,61}[a-z0-9])?$", input.request.name)
	msg := sprintf("cluster name %q must be a lowercase DNS label", [input.request.name])
}
`
