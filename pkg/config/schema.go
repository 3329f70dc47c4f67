package config

// configSchema closes the daemon configuration: unknown keys and mistyped
// values in a .cue file fail before decoding. Durations are Go duration
// strings.
const configSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	database?: {
		path?:           string & !=""
		max_open_conns?: int & >=0
		busy_timeout?:   #Duration
	}
	dispatcher?: {
		owner?:             string
		lease_ttl?:         #Duration
		poll_interval?:     #Duration
		max_parallel?:      int & >=1 & <=256
		batch_size?:        int & >=1
		max_steps_per_run?: int & >=1
	}
	monitor?: {
		enabled?:          bool
		refresh_interval?: #Duration
	}
	ssh?: {
		user?:                     string
		port?:                     int & >=1 & <=65535
		auth_method?:              "key" | "agent" | "password"
		private_key_path?:         string
		password?:                 string
		known_hosts_path?:         string
		strict_host_key_checking?: bool
		connection_timeout?:       #Duration
		command_timeout?:          #Duration
	}
	kubernetes?: {
		service_project_id?: string
		location?:           string
		vm_hosts?: [...string]
		ipv4_subnet?: string
		ipv6_prefix?: string
	}
	load_balancer?: {
		dns_zone?: string
	}
	admission?: {
		enabled?: bool
		policy_paths?: [...string]
		watch?: bool
	}
	telemetry?: {...}
}
`
