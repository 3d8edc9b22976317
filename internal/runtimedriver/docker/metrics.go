package docker

import "github.com/prometheus/client_golang/prometheus"

var activeContainers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "hyperfleet_docker_active_containers",
		Help: "Number of currently running Docker-class containers.",
	},
)

func init() {
	prometheus.MustRegister(activeContainers)
}
