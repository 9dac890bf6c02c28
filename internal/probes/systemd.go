package probes

// SystemdOptions names the unit to watch. A bare name gets ".service"
// appended.
type SystemdOptions struct {
	Unit string `mapstructure:"unit"`
}
