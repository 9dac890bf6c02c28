package probes

// Package probes turns node health checks into diagnostic tasks.
//
// Each probe is built from a config entry by Build and registered with
// the dispatcher as a regular task. Probes never log; failures surface
// only through the report they fill in. Slow probes (netspeed) measure
// in the background and report the cached result.
