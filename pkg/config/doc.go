// Package config loads the nexusd daemon configuration and cluster creation
// requests.
//
// Configuration files are CUE, TOML or YAML. CUE and TOML files are unified
// with a closed schema, so unknown keys and mistyped values are reported
// before anything is decoded; CUE errors carry their file position. Every
// format is overlaid on Default and the result is checked with struct tags:
//
//	dispatcher: {
//		lease_ttl:    "90s"
//		max_parallel: 8
//	}
//	kubernetes: {
//		service_project_id: "svc"
//		vm_hosts: ["10.0.0.5", "10.0.0.6"]
//	}
//
// Cluster requests are YAML documents or Starlark scripts defining a global
// cluster dict:
//
//	cluster = {
//		"project_id": vars["project"],
//		"name": "prod",
//		"version": "v1.32",
//		"location": "hetzner-fsn1",
//		"cp_node_count": 3,
//	}
package config
