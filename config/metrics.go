package config

// MetricsConfig holds the addresses of the metrics and pprof servers.
// An empty address disables the server.
type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	PprofAddr string `yaml:"pprof_addr"`
}
